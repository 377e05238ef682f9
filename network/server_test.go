package network

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalServerValidatesOptions(t *testing.T) {
	_, err := NewLocalServer(ServerOptions{Hostname: "h", Filesystem: &fakeFS{}})
	assert.Error(t, err)
	_, err = NewLocalServer(ServerOptions{Ident: "a", Filesystem: &fakeFS{}})
	assert.Error(t, err)
	_, err = NewLocalServer(ServerOptions{Ident: "a", Hostname: "h"})
	assert.Error(t, err)

	s, err := NewLocalServer(ServerOptions{Ident: "a", Hostname: "h", Filesystem: &fakeFS{}})
	require.NoError(t, err)
	assert.Equal(t, "h", s.opts.DisplayName)
	assert.Equal(t, DefaultRPCRetries, s.opts.RPCRetries)
	assert.Equal(t, DefaultPingInterval, s.opts.PingInterval)
}

func TestPeersComeOnlineAfterDuplexCheck(t *testing.T) {
	avatar := bytes.Repeat([]byte{0xAB}, avatarChunkSize+100)
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", func(o *ServerOptions) { o.Avatar = avatar })
	connectPair(t, a, b)

	require.Eventually(t, func() bool {
		statuses := a.events.peerStatuses("beta")
		return len(statuses) >= 2 && statuses[len(statuses)-1] == PeerOnline
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, PeerAwaitingDuplex, a.events.peerStatuses("beta")[0])

	require.Eventually(t, func() bool {
		snap, err := a.server.Peer("beta")
		return err == nil && snap.DisplayName == "beta display"
	}, waitFor, 10*time.Millisecond)
	snap, err := a.server.Peer("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta-user", snap.UserName)
	assert.Equal(t, avatar, snap.Avatar)
	assert.Equal(t, "beta-host", snap.DisplayHostname)

	peer, err := b.server.Peer("alpha")
	require.NoError(t, err)
	assert.Empty(t, peer.Avatar)
	assert.Positive(t, a.events.count(EventMachineInfoChanged))
}

func TestOneWayVisibilityStaysAwaitingDuplex(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)

	a.server.PeerAppeared(b.endpoint(t))
	require.Eventually(t, func() bool {
		return a.peerStatus("beta") == PeerAwaitingDuplex
	}, waitFor, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, PeerAwaitingDuplex, a.peerStatus("beta"))

	_, err := a.server.SendFiles("beta", []string{"whatever"})
	assert.ErrorIs(t, err, ErrPeerNotOnline)

	b.server.PeerAppeared(a.endpoint(t))
	waitOnline(t, a, b)
}

func TestPeerAppearedFilters(t *testing.T) {
	s, err := NewLocalServer(ServerOptions{
		Ident:      "self",
		Hostname:   "self-host",
		Filesystem: &fakeFS{root: t.TempDir()},
		SameSubnet: func(ip string) bool { return ip != "10.9.9.9" },
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	defer s.Stop()

	s.PeerAppeared(PeerEndpoint{Ident: "self", IP: "127.0.0.1", Port: 1})
	s.PeerAppeared(PeerEndpoint{Ident: "old", IP: "127.0.0.1", Port: 1, APIVersion: "1"})
	s.PeerAppeared(PeerEndpoint{Ident: "far", IP: "10.9.9.9", Port: 1})
	s.PeerAppeared(PeerEndpoint{Ident: ""})
	assert.Empty(t, s.Peers())

	s.PeerAppeared(PeerEndpoint{Ident: "one", Hostname: "dup", IP: "127.0.0.2", Port: 1})
	s.PeerAppeared(PeerEndpoint{Ident: "two", Hostname: "dup", IP: "127.0.0.3", Port: 1})
	s.PeerAppeared(PeerEndpoint{Ident: "three", Hostname: "solo", IP: "127.0.0.4", Port: 1})

	peers := s.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, "dup (127.0.0.2)", peers[0].DisplayHostname)
	assert.Equal(t, "dup (127.0.0.3)", peers[1].DisplayHostname)
	assert.Equal(t, "solo", peers[2].DisplayHostname)

	_, err = s.Peer("missing")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	_, err = s.Ops("missing")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestPeerDisappearedRemovesConnection(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	connectPair(t, a, b)

	a.server.PeerDisappeared("beta")
	require.Eventually(t, func() bool {
		return len(a.server.Peers()) == 0
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		statuses := a.events.peerStatuses("beta")
		return statuses[len(statuses)-1] == PeerOffline
	}, waitFor, 10*time.Millisecond)

	a.server.PeerAppeared(b.endpoint(t))
	waitOnline(t, a, b)
}

func TestReappearanceCancelsRemoval(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	connectPair(t, a, b)

	a.server.PeerDisappeared("beta")
	a.server.PeerAppeared(b.endpoint(t))

	waitOnline(t, a, b)
	time.Sleep(100 * time.Millisecond)
	_, err := a.server.Peer("beta")
	require.NoError(t, err)
	waitOnline(t, a, b)
}

func TestPeerConnectionShutdownIsIdempotent(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	connectPair(t, a, b)

	pc, ok := a.server.registry.get("beta")
	require.True(t, ok)

	pc.Shutdown()
	pc.Shutdown()
	assert.Equal(t, PeerOffline, pc.Status())

	pc.Start()
	pc.Start()
	waitOnline(t, a, b)
}

func TestServerStopIsIdempotent(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	connectPair(t, a, b)

	a.server.Stop()
	a.server.Stop()
	assert.ErrorIs(t, a.server.Start(), ErrServerStopped)

	// The surviving side loses the peer and goes back to connecting.
	require.Eventually(t, func() bool {
		return lostAndRetried(b.events.peerStatuses("alpha"))
	}, waitFor, 10*time.Millisecond)
}

// lostAndRetried reports whether statuses show the peer going unreachable
// after being online and a reconnect starting afterwards.
func lostAndRetried(statuses []PeerStatus) bool {
	online := -1
	for i, st := range statuses {
		if st == PeerOnline {
			online = i
		}
	}
	if online < 0 {
		return false
	}
	lost := false
	for _, st := range statuses[online+1:] {
		switch {
		case st == PeerUnreachable:
			lost = true
		case st == PeerInitConnecting && lost:
			return true
		}
	}
	return false
}
