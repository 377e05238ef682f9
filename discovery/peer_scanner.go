package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"gowarp/network"
)

const (
	// EventPeerAppeared is emitted when a peer shows up or its record changes.
	EventPeerAppeared EventType = "peer_appeared"
	// EventPeerDisappeared is emitted once a peer has been absent for
	// Config.MissedScans consecutive scans.
	EventPeerDisappeared EventType = "peer_disappeared"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one resolved service record.
type DiscoveredPeer struct {
	Ident      string
	Hostname   string
	APIVersion string
	Port       int
	AuthPort   int
	Addresses  []string
	LastSeen   time.Time
}

// IP picks the address to dial, preferring IPv4.
func (p DiscoveredPeer) IP() string {
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	if len(p.Addresses) > 0 {
		return p.Addresses[0]
	}
	return ""
}

// Endpoint converts the record into what the local server connects to.
func (p DiscoveredPeer) Endpoint() network.PeerEndpoint {
	return network.PeerEndpoint{
		Ident:      p.Ident,
		Hostname:   p.Hostname,
		IP:         p.IP(),
		Port:       p.Port,
		AuthPort:   p.AuthPort,
		APIVersion: p.APIVersion,
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses for peers periodically and on demand.
type PeerScanner struct {
	cfg Config
	log *logrus.Entry

	browse browseFunc

	mu     sync.RWMutex
	peers  map[string]DiscoveredPeer
	missed map[string]int

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		missed:          make(map[string]int),
		events:          make(chan Event, 256),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers discovery updates. Updates are dropped when the
// consumer falls a full buffer behind.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one scan now and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the peers currently considered present.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname == out[j].Hostname {
			return out[i].Ident < out[j].Ident
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		s.log.WithError(err).Warn("Initial scan failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.log.WithError(err).Debug("Scan failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.Ident)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.Ident] = peer
			}
		}
	}()

	// Resolvers report the end of the browse window as an error.
	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil && scanCtx.Err() == nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A stopped scanner must not report everyone as gone.
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(collected)

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ident, peer := range next {
		delete(s.missed, ident)
		old, exists := s.peers[ident]
		s.peers[ident] = peer
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerAppeared, Peer: peer})
		}
	}

	for ident, peer := range s.peers {
		if _, seen := next[ident]; seen {
			continue
		}
		s.missed[ident]++
		if s.missed[ident] < s.cfg.MissedScans {
			continue
		}
		delete(s.peers, ident)
		delete(s.missed, ident)
		s.emitEvent(Event{Type: EventPeerDisappeared, Peer: peer})
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.WithFields(logrus.Fields{
			"peer":  event.Peer.Ident,
			"event": event.Type,
		}).Warn("Discovery event dropped")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfIdent string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	ident := strings.TrimSpace(entry.Instance)
	if ident == "" || ident == selfIdent {
		return DiscoveredPeer{}, false
	}
	if kind := txt[txtType]; kind != "" && kind != typeReal {
		return DiscoveredPeer{}, false
	}

	authPort := 0
	if raw := txt[txtAuthPort]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			authPort = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return DiscoveredPeer{}, false
	}
	sort.Strings(addresses)

	hostname := txt[txtHostname]
	if hostname == "" {
		hostname = strings.TrimSuffix(entry.HostName, ".")
	}
	if hostname == "" {
		hostname = ident
	}

	return DiscoveredPeer{
		Ident:      ident,
		Hostname:   hostname,
		APIVersion: txt[txtAPIVersion],
		Port:       entry.Port,
		AuthPort:   authPort,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.Ident != b.Ident ||
		a.Hostname != b.Hostname ||
		a.APIVersion != b.APIVersion ||
		a.Port != b.Port ||
		a.AuthPort != b.AuthPort ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
