package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// LocalServer serves the Warp RPC surface for this host and owns the peer
// registry. Inbound calls are routed to the PeerConnection of the caller.
type LocalServer struct {
	opts     ServerOptions
	log      *logrus.Entry
	local    LookupName
	notifier *Notifier
	registry *Registry

	inbound  *semaphore.Weighted
	outbound *semaphore.Weighted

	grpcServer   *grpc.Server
	listener     net.Listener
	authServer   *grpc.Server
	authListener net.Listener

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewLocalServer validates options. Call Start to begin serving.
func NewLocalServer(options ServerOptions) (*LocalServer, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &LocalServer{
		opts:     opts,
		log:      opts.Logger.WithField("component", "server"),
		local:    LookupName{ID: opts.Ident, ReadableName: opts.Hostname},
		notifier: NewNotifier(),
		inbound:  semaphore.NewWeighted(int64(opts.InboundWorkers)),
		outbound: semaphore.NewWeighted(int64(opts.OutboundWorkers)),
	}
	s.registry = newRegistry(s)
	return s, nil
}

// Start opens the listeners and serves in the background.
func (s *LocalServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerStopped
	}
	if s.started {
		return nil
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.limitInbound),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if s.opts.Credentials != nil {
		creds, err := s.opts.Credentials.ServerCredentials()
		if err != nil {
			return fmt.Errorf("server credentials: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	listener, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.opts.ListenAddress, err)
	}
	s.listener = listener
	s.grpcServer = grpc.NewServer(serverOpts...)
	s.grpcServer.RegisterService(&warpServiceDesc, s)

	if s.opts.AuthListenAddress != "" {
		if err := s.startRegistration(); err != nil {
			_ = listener.Close()
			return err
		}
	}

	s.serve(s.grpcServer, listener)
	s.started = true
	s.log.WithFields(logrus.Fields{"addr": listener.Addr().String(), "ident": s.opts.Ident}).Info("Server started")
	return nil
}

func (s *LocalServer) serve(server *grpc.Server, listener net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil {
			s.log.WithError(err).Warn("Serve stopped")
		}
	}()
}

// Stop shuts down every peer connection, then the listeners. Ops still in
// flight end as connection lost.
func (s *LocalServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.registry.shutdownAll()
	if started {
		s.grpcServer.Stop()
		if s.authServer != nil {
			s.authServer.Stop()
		}
		s.wg.Wait()
	}
	s.notifier.Close()
	s.log.Info("Server stopped")
}

// Addr returns the RPC listen address once started.
func (s *LocalServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AuthAddr returns the registration listen address, if serving.
func (s *LocalServer) AuthAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authListener == nil {
		return nil
	}
	return s.authListener.Addr()
}

// Subscribe registers an observer for change events.
func (s *LocalServer) Subscribe(fn func(Event)) func() {
	return s.notifier.Subscribe(fn)
}

// PeerAppeared is called by discovery for a new or re-announced peer.
func (s *LocalServer) PeerAppeared(endpoint PeerEndpoint) {
	if s.isStopped() {
		return
	}
	entry := s.log.WithField("peer", endpoint.Ident)
	switch {
	case endpoint.Ident == "" || endpoint.Ident == s.opts.Ident:
		return
	case endpoint.APIVersion != "" && endpoint.APIVersion != APIVersion:
		entry.WithField("api_version", endpoint.APIVersion).Info("Ignoring peer with another API version")
		return
	case s.opts.SameSubnet != nil && !s.opts.SameSubnet(endpoint.IP):
		entry.WithField("ip", endpoint.IP).Debug("Ignoring peer outside local subnet")
		return
	}
	s.registry.appear(endpoint)
}

// PeerDisappeared is called by discovery when a peer is gone.
func (s *LocalServer) PeerDisappeared(ident string) {
	if s.isStopped() {
		return
	}
	s.registry.disappear(ident)
}

func (s *LocalServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *LocalServer) limitInbound(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.inbound.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.inbound.Release(1)
	return handler(ctx, req)
}
