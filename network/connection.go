package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"gowarp/transfer"
)

// PeerStatus is the connection state of a remote peer.
type PeerStatus string

const (
	PeerInitConnecting PeerStatus = "INIT_CONNECTING"
	PeerAwaitingDuplex PeerStatus = "AWAITING_DUPLEX"
	PeerOnline         PeerStatus = "ONLINE"
	PeerUnreachable    PeerStatus = "UNREACHABLE"
	PeerOffline        PeerStatus = "OFFLINE"
)

const connectionLostMsg = "connection lost"

// PeerEndpoint is what discovery reports about a peer.
type PeerEndpoint struct {
	Ident      string
	Hostname   string
	IP         string
	Port       int
	AuthPort   int
	APIVersion string
}

func (e PeerEndpoint) sameAddress(other PeerEndpoint) bool {
	return e.IP == other.IP && e.Port == other.Port && e.AuthPort == other.AuthPort
}

// PeerConnection owns the channel to one remote peer and the ops exchanged
// with it. One goroutine runs the connect and keepalive loop between Start and
// Shutdown.
type PeerConnection struct {
	server *LocalServer
	ident  string
	log    *logrus.Entry

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	endpoint        PeerEndpoint
	displayHostname string
	status          PeerStatus
	runCtx          context.Context
	client          *warpClient
	busy            bool
	info            RemoteMachineInfo
	avatar          []byte
	ops             []*TransferOp
	lastStartTime   int64
	// removalSeq changes whenever the peer appears or disappears, so a
	// pending removal can tell it has been superseded. Guarded by the
	// registry lock.
	removalSeq uint64
}

func newPeerConnection(server *LocalServer, endpoint PeerEndpoint) *PeerConnection {
	return &PeerConnection{
		server:          server,
		ident:           endpoint.Ident,
		log:             server.log.WithFields(logrus.Fields{"peer": endpoint.Ident, "hostname": endpoint.Hostname}),
		endpoint:        endpoint,
		displayHostname: endpoint.Hostname,
		status:          PeerInitConnecting,
	}
}

// Ident returns the peer's stable identity.
func (pc *PeerConnection) Ident() string { return pc.ident }

// Status returns the current connection status.
func (pc *PeerConnection) Status() PeerStatus {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.status
}

// Snapshot copies the peer's observable state.
func (pc *PeerConnection) Snapshot() PeerSnapshot {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.snapshotLocked()
}

func (pc *PeerConnection) snapshotLocked() PeerSnapshot {
	return PeerSnapshot{
		Ident:           pc.ident,
		Hostname:        pc.endpoint.Hostname,
		DisplayHostname: pc.displayHostname,
		IP:              pc.endpoint.IP,
		Port:            pc.endpoint.Port,
		AuthPort:        pc.endpoint.AuthPort,
		Status:          pc.status,
		DisplayName:     pc.info.DisplayName,
		UserName:        pc.info.UserName,
		Avatar:          append([]byte(nil), pc.avatar...),
	}
}

// Ops returns snapshots of the peer's ops in creation order.
func (pc *PeerConnection) Ops() []OpSnapshot {
	pc.mu.Lock()
	ops := append([]*TransferOp(nil), pc.ops...)
	pc.mu.Unlock()

	out := make([]OpSnapshot, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Snapshot())
	}
	return out
}

// Start launches the connect loop. Starting a running connection is a no-op.
func (pc *PeerConnection) Start() {
	pc.lifeMu.Lock()
	defer pc.lifeMu.Unlock()
	pc.startLocked()
}

// Shutdown stops the connect loop and blocks until it has exited. It is safe
// to call repeatedly.
func (pc *PeerConnection) Shutdown() {
	pc.lifeMu.Lock()
	defer pc.lifeMu.Unlock()
	pc.stopLocked()
}

// shutdownIf stops the loop only if still reports true under the life lock.
func (pc *PeerConnection) shutdownIf(still func() bool) bool {
	pc.lifeMu.Lock()
	defer pc.lifeMu.Unlock()
	if !still() {
		return false
	}
	pc.stopLocked()
	return true
}

// restart points the connection at endpoint. A running loop is restarted
// only when the address changed.
func (pc *PeerConnection) restart(endpoint PeerEndpoint) {
	pc.lifeMu.Lock()
	defer pc.lifeMu.Unlock()

	pc.mu.Lock()
	changed := !pc.endpoint.sameAddress(endpoint)
	pc.mu.Unlock()

	if pc.done != nil && !changed {
		return
	}
	pc.stopLocked()

	pc.mu.Lock()
	pc.endpoint = endpoint
	pc.mu.Unlock()
	pc.startLocked()
}

func (pc *PeerConnection) startLocked() {
	if pc.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pc.cancel = cancel
	pc.done = done

	pc.mu.Lock()
	pc.runCtx = ctx
	pc.mu.Unlock()

	go pc.run(ctx, done)
}

func (pc *PeerConnection) stopLocked() {
	if pc.done == nil {
		return
	}
	pc.cancel()
	<-pc.done
	pc.cancel = nil
	pc.done = nil
}

func (pc *PeerConnection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer pc.setStatus(PeerOffline)

	for ctx.Err() == nil {
		pc.setStatus(PeerInitConnecting)

		conn, err := pc.openChannel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pc.log.WithError(err).Debug("Peer unreachable")
			pc.setStatus(PeerUnreachable)
			if !sleepContext(ctx, pc.server.opts.ReconnectDelay) {
				return
			}
			continue
		}

		pc.attach(conn)
		pc.pingLoop(ctx)
		pc.detach(conn)
	}
}

func (pc *PeerConnection) attach(conn *grpc.ClientConn) {
	pc.mu.Lock()
	pc.client = &warpClient{cc: conn}
	pc.mu.Unlock()
}

func (pc *PeerConnection) detach(conn *grpc.ClientConn) {
	pc.mu.Lock()
	pc.client = nil
	pc.mu.Unlock()
	if err := conn.Close(); err != nil {
		pc.log.WithError(err).Debug("Close channel")
	}
}

func (pc *PeerConnection) currentClient() *warpClient {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.client
}

// lifeContext is cancelled when the connect loop is shut down.
func (pc *PeerConnection) lifeContext() context.Context {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.runCtx == nil {
		return context.Background()
	}
	return pc.runCtx
}

// openChannel dials the peer and waits for readiness, retrying a bounded
// number of times before giving up.
func (pc *PeerConnection) openChannel(ctx context.Context) (*grpc.ClientConn, error) {
	opts := pc.server.opts

	creds, err := pc.transportCredentials(ctx)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	target := net.JoinHostPort(pc.endpoint.IP, strconv.Itoa(pc.endpoint.Port))
	pc.mu.Unlock()

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create channel to %s: %w", target, err)
	}

	for attempt := 1; attempt <= opts.ConnectAttempts; attempt++ {
		if waitReady(ctx, conn, opts.ChannelReadyTimeout) {
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}
		pc.log.WithFields(logrus.Fields{"attempt": attempt, "target": target}).Debug("Channel not ready")
		if attempt < opts.ConnectAttempts && !sleepContext(ctx, opts.ConnectBackoff) {
			break
		}
	}

	_ = conn.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s", ErrChannelNotReady, target)
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return true
		case connectivity.Shutdown:
			return false
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
	}
}

func (pc *PeerConnection) transportCredentials(ctx context.Context) (credentials.TransportCredentials, error) {
	provider := pc.server.opts.Credentials
	if provider == nil {
		return insecure.NewCredentials(), nil
	}

	pc.mu.Lock()
	endpoint := pc.endpoint
	pc.mu.Unlock()

	creds, err := provider.PeerCredentials(pc.ident, endpoint.Hostname, endpoint.IP)
	if err == nil {
		return creds, nil
	}
	exchanger, ok := provider.(CertificateExchanger)
	if !ok || endpoint.AuthPort == 0 {
		return nil, fmt.Errorf("credentials for %s: %w", pc.ident, err)
	}

	boxed, err := pc.fetchCertificate(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if err := exchanger.ImportBoxedCertificate(pc.ident, boxed); err != nil {
		return nil, fmt.Errorf("import certificate for %s: %w", pc.ident, err)
	}
	return provider.PeerCredentials(pc.ident, endpoint.Hostname, endpoint.IP)
}

func (pc *PeerConnection) fetchCertificate(ctx context.Context, endpoint PeerEndpoint) (string, error) {
	target := net.JoinHostPort(endpoint.IP, strconv.Itoa(endpoint.AuthPort))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("create registration channel to %s: %w", target, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	opts := pc.server.opts
	var lastErr error
	for attempt := 0; attempt <= opts.RPCRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.ChannelReadyTimeout)
		resp, err := requestCertificate(callCtx, conn, &RegRequest{
			Ident:    opts.Ident,
			Hostname: opts.Hostname,
		})
		cancel()
		if err == nil {
			return resp.LockedCert, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (pc *PeerConnection) local() LookupName {
	return pc.server.local
}

func (pc *PeerConnection) pingLoop(ctx context.Context) {
	opts := pc.server.opts
	duplex := false
	failures := 0

	for {
		// A slow or paused stream can starve the ping of a worker, so an
		// active stream stands in for it.
		if duplex && (pc.takeBusy() || pc.streaming()) {
			failures = 0
			if !sleepContext(ctx, opts.PingInterval) {
				return
			}
			continue
		}

		err := pc.ping(ctx)
		switch {
		case err == nil:
			failures = 0
			if !duplex {
				duplex = pc.confirmDuplex(ctx)
			} else {
				pc.setStatus(PeerOnline)
			}
		case ctx.Err() != nil:
			return
		default:
			failures++
			entry := pc.log.WithError(err).WithField("failures", failures)
			if isTransient(err) {
				entry.Debug("Ping failed")
			} else {
				entry.Warn("Ping rejected")
			}
			pc.setStatus(PeerUnreachable)
			if failures >= opts.MaxPingFailures {
				pc.log.Info("Abandoning channel, reconnecting")
				return
			}
		}

		interval := opts.DuplexPingInterval
		if duplex {
			interval = opts.PingInterval
		}
		if !sleepContext(ctx, interval) {
			return
		}
	}
}

// confirmDuplex asks the peer whether it sees us, and brings the connection
// online once it does.
func (pc *PeerConnection) confirmDuplex(ctx context.Context) bool {
	if st := pc.Status(); st != PeerAwaitingDuplex && st != PeerOnline {
		pc.setStatus(PeerAwaitingDuplex)
	}

	var haveDuplex bool
	err := pc.callDirect(ctx, func(ctx context.Context, client *warpClient) error {
		var err error
		haveDuplex, err = client.checkDuplexConnection(ctx, ptr(pc.local()))
		return err
	})
	if err != nil {
		pc.log.WithError(err).Debug("Duplex check failed")
		return false
	}
	if !haveDuplex {
		return false
	}

	pc.setStatus(PeerOnline)
	pc.fetchMachineInfo(ctx)
	return true
}

func (pc *PeerConnection) ping(ctx context.Context) error {
	return pc.callDirect(ctx, func(ctx context.Context, client *warpClient) error {
		return client.ping(ctx, ptr(pc.local()))
	})
}

func (pc *PeerConnection) fetchMachineInfo(ctx context.Context) {
	var info *RemoteMachineInfo
	err := pc.call(ctx, func(ctx context.Context, client *warpClient) error {
		var err error
		info, err = client.getRemoteMachineInfo(ctx, ptr(pc.local()))
		return err
	})
	if err != nil {
		pc.log.WithError(err).Warn("Fetch machine info")
		return
	}

	avatar, err := pc.fetchAvatar(ctx)
	if err != nil {
		pc.log.WithError(err).Debug("Fetch avatar")
	}

	pc.mu.Lock()
	pc.info = *info
	pc.avatar = avatar
	snap := pc.snapshotLocked()
	pc.mu.Unlock()

	pc.server.notifier.publish(Event{Kind: EventMachineInfoChanged, Peer: snap})
}

// fetchAvatar returns nil without error when the peer has no avatar.
func (pc *PeerConnection) fetchAvatar(ctx context.Context) ([]byte, error) {
	client := pc.currentClient()
	if client == nil {
		return nil, ErrPeerNotOnline
	}
	ctx, cancel := context.WithTimeout(ctx, pc.server.opts.RPCTimeout)
	defer cancel()

	stream, err := client.getRemoteMachineAvatar(ctx, ptr(pc.local()))
	if err != nil {
		return nil, err
	}
	var avatar []byte
	for {
		chunk := new(RemoteMachineAvatar)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			return avatar, nil
		}
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		avatar = append(avatar, chunk.AvatarChunk...)
	}
}

// setStatus records a connection status and fails ops stranded by a lost
// connection.
func (pc *PeerConnection) setStatus(next PeerStatus) {
	pc.mu.Lock()
	if pc.status == next {
		pc.mu.Unlock()
		return
	}
	prev := pc.status
	pc.status = next
	if next != PeerOnline {
		pc.busy = false
	}
	snap := pc.snapshotLocked()
	ops := append([]*TransferOp(nil), pc.ops...)
	pc.mu.Unlock()

	pc.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("Peer status changed")
	pc.server.notifier.publish(Event{Kind: EventRemoteStatusChanged, Peer: snap})

	if next == PeerUnreachable || next == PeerOffline {
		pc.failStrandedOps(ops)
	}
}

func (pc *PeerConnection) failStrandedOps(ops []*TransferOp) {
	for _, op := range ops {
		switch op.Status() {
		case transfer.StatusTransferring:
			_ = pc.setOpStatus(op, transfer.StatusFailed, connectionLostMsg, causeConnection)
		case transfer.StatusInit, transfer.StatusCalculating, transfer.StatusWaitingPermission, transfer.StatusPaused:
			_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, connectionLostMsg, causeConnection)
		}
	}
}

func (pc *PeerConnection) markBusy() {
	pc.mu.Lock()
	pc.busy = true
	pc.mu.Unlock()
}

// streaming reports whether any op with this peer has a live chunk stream.
func (pc *PeerConnection) streaming() bool {
	pc.mu.Lock()
	ops := append([]*TransferOp(nil), pc.ops...)
	pc.mu.Unlock()

	for _, op := range ops {
		switch op.Status() {
		case transfer.StatusTransferring, transfer.StatusPaused:
			return true
		}
	}
	return false
}

func (pc *PeerConnection) takeBusy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	busy := pc.busy
	pc.busy = false
	return busy
}

// callDirect issues one keepalive-class call outside the outbound pool.
func (pc *PeerConnection) callDirect(ctx context.Context, fn func(context.Context, *warpClient) error) error {
	client := pc.currentClient()
	if client == nil {
		return ErrPeerNotOnline
	}
	ctx, cancel := context.WithTimeout(ctx, pc.server.opts.RPCTimeout)
	defer cancel()
	return fn(ctx, client)
}

// call issues a control call through the shared outbound pool, retrying
// transient failures.
func (pc *PeerConnection) call(ctx context.Context, fn func(context.Context, *warpClient) error) error {
	client := pc.currentClient()
	if client == nil {
		return ErrPeerNotOnline
	}

	if err := pc.server.outbound.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pc.server.outbound.Release(1)

	opts := pc.server.opts
	var err error
	for attempt := 0; attempt <= opts.RPCRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, opts.RPCTimeout)
		err = fn(callCtx, client)
		cancel()
		if err == nil || !isTransient(err) || ctx.Err() != nil {
			return err
		}
		pc.log.WithError(err).WithField("attempt", attempt+1).Debug("Retrying call")
	}
	return err
}

func (pc *PeerConnection) nextStartTime() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= pc.lastStartTime {
		ts = pc.lastStartTime + 1
	}
	pc.lastStartTime = ts
	return ts
}

func (pc *PeerConnection) addOp(op *TransferOp) {
	pc.mu.Lock()
	pc.ops = append(pc.ops, op)
	snap := pc.snapshotLocked()
	pc.mu.Unlock()
	pc.server.notifier.publish(Event{Kind: EventOpsChanged, Peer: snap})
}

func (pc *PeerConnection) removeOp(op *TransferOp) {
	pc.mu.Lock()
	for i, existing := range pc.ops {
		if existing == op {
			pc.ops = append(pc.ops[:i], pc.ops[i+1:]...)
			break
		}
	}
	snap := pc.snapshotLocked()
	pc.mu.Unlock()
	pc.server.notifier.publish(Event{Kind: EventOpsChanged, Peer: snap})
}

// findOp looks an op up by start time. An empty direction matches either.
func (pc *PeerConnection) findOp(startTime int64, direction transfer.Direction) (*TransferOp, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.findOpLocked(startTime, direction)
}

func (pc *PeerConnection) findOpLocked(startTime int64, direction transfer.Direction) (*TransferOp, bool) {
	for _, op := range pc.ops {
		if op.startTime == startTime && (direction == "" || op.direction == direction) {
			return op, true
		}
	}
	return nil, false
}

func (pc *PeerConnection) setDisplayHostname(name string) {
	pc.mu.Lock()
	pc.displayHostname = name
	pc.mu.Unlock()
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sortPeers(peers []PeerSnapshot) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DisplayHostname != peers[j].DisplayHostname {
			return peers[i].DisplayHostname < peers[j].DisplayHostname
		}
		return peers[i].Ident < peers[j].Ident
	})
}

func ptr[T any](v T) *T { return &v }
