package network

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gowarp/transfer"
)

const waitFor = 10 * time.Second

type fakeFS struct {
	root string

	mu      sync.Mutex
	free    uint64
	freeErr error
}

func (f *fakeFS) SaveRoot() string { return f.root }

func (f *fakeFS) FreeBytes() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free, f.freeErr
}

func (f *fakeFS) setFree(free uint64, err error) {
	f.mu.Lock()
	f.free, f.freeErr = free, err
	f.mu.Unlock()
}

func (f *fakeFS) Conflicts(names []string) []string {
	return transfer.Conflicts(f.root, names)
}

// eventLog records everything a server publishes.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) opStatuses(startTime int64) []transfer.OpStatus {
	var out []transfer.OpStatus
	for _, e := range l.snapshot() {
		if e.Kind == EventOpStatusChanged && e.Op != nil && e.Op.StartTime == startTime {
			out = append(out, e.Op.Status)
		}
	}
	return out
}

func (l *eventLog) peerStatuses(ident string) []PeerStatus {
	var out []PeerStatus
	for _, e := range l.snapshot() {
		if e.Kind == EventRemoteStatusChanged && e.Peer.Ident == ident {
			out = append(out, e.Peer.Status)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, e := range l.snapshot() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type testNode struct {
	ident  string
	server *LocalServer
	fs     *fakeFS
	events *eventLog
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testOptions(ident string) ServerOptions {
	return ServerOptions{
		Ident:               ident,
		Hostname:            ident + "-host",
		DisplayName:         ident + " display",
		UserName:            ident + "-user",
		ListenAddress:       "127.0.0.1:0",
		ChannelReadyTimeout: 500 * time.Millisecond,
		ConnectAttempts:     2,
		ConnectBackoff:      50 * time.Millisecond,
		ReconnectDelay:      100 * time.Millisecond,
		DuplexPingInterval:  20 * time.Millisecond,
		PingInterval:        50 * time.Millisecond,
		MaxPingFailures:     2,
		RPCTimeout:          time.Second,
		RPCRetries:          -1,
		ProgressInterval:    10 * time.Millisecond,
		Logger:              quietLogger(),
	}
}

func newTestNode(t *testing.T, ident string, mutate func(*ServerOptions)) *testNode {
	t.Helper()
	fs := &fakeFS{root: t.TempDir(), free: 1 << 40}
	opts := testOptions(ident)
	opts.Filesystem = fs
	if mutate != nil {
		mutate(&opts)
	}

	server, err := NewLocalServer(opts)
	require.NoError(t, err)
	events := &eventLog{}
	server.Subscribe(events.add)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return &testNode{ident: ident, server: server, fs: fs, events: events}
}

func (n *testNode) endpoint(t *testing.T) PeerEndpoint {
	t.Helper()
	addr, ok := n.server.Addr().(*net.TCPAddr)
	require.True(t, ok)
	ep := PeerEndpoint{
		Ident:      n.ident,
		Hostname:   n.ident + "-host",
		IP:         "127.0.0.1",
		Port:       addr.Port,
		APIVersion: APIVersion,
	}
	if auth, ok := n.server.AuthAddr().(*net.TCPAddr); ok {
		ep.AuthPort = auth.Port
	}
	return ep
}

func (n *testNode) peerStatus(ident string) PeerStatus {
	snap, err := n.server.Peer(ident)
	if err != nil {
		return ""
	}
	return snap.Status
}

func (n *testNode) op(t *testing.T, peer string, startTime int64) OpSnapshot {
	t.Helper()
	ops, err := n.server.Ops(peer)
	require.NoError(t, err)
	for _, op := range ops {
		if op.StartTime == startTime {
			return op
		}
	}
	t.Fatalf("op %d not found on %s", startTime, n.ident)
	return OpSnapshot{}
}

func (n *testNode) opStatus(peer string, startTime int64) transfer.OpStatus {
	ops, err := n.server.Ops(peer)
	if err != nil {
		return ""
	}
	for _, op := range ops {
		if op.StartTime == startTime {
			return op.Status
		}
	}
	return ""
}

func (n *testNode) waitOpStatus(t *testing.T, peer string, startTime int64, want transfer.OpStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.opStatus(peer, startTime) == want
	}, waitFor, 10*time.Millisecond, "%s: op %d never reached %s", n.ident, startTime, want)
}

// onceTransferring runs fn the first time any outbound op of n reaches
// TRANSFERRING. It runs on the event dispatcher, right behind the transition.
func (n *testNode) onceTransferring(fn func(startTime int64)) {
	var once sync.Once
	n.server.Subscribe(func(e Event) {
		if e.Kind != EventOpStatusChanged || e.Op == nil {
			return
		}
		if e.Op.Direction == transfer.DirectionOutbound && e.Op.Status == transfer.StatusTransferring {
			once.Do(func() { fn(e.Op.StartTime) })
		}
	})
}

// connectPair introduces both nodes to each other and waits for ONLINE.
func connectPair(t *testing.T, a, b *testNode) {
	t.Helper()
	a.server.PeerAppeared(b.endpoint(t))
	b.server.PeerAppeared(a.endpoint(t))
	waitOnline(t, a, b)
}

func waitOnline(t *testing.T, a, b *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.peerStatus(b.ident) == PeerOnline && b.peerStatus(a.ident) == PeerOnline
	}, waitFor, 10*time.Millisecond)
}

func writeSource(t *testing.T, dir, rel string, size int) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
