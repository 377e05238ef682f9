package network

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry holds one PeerConnection per discovered peer. A connection is only
// removed after a disappearance has shut it down, and a reappearance before
// that point cancels the removal.
type Registry struct {
	server *LocalServer

	mu    sync.Mutex
	peers map[string]*PeerConnection
	wg    sync.WaitGroup
}

func newRegistry(server *LocalServer) *Registry {
	return &Registry{
		server: server,
		peers:  make(map[string]*PeerConnection),
	}
}

func (r *Registry) get(ident string) (*PeerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.peers[ident]
	return pc, ok
}

func (r *Registry) all() []*PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerConnection, 0, len(r.peers))
	for _, pc := range r.peers {
		out = append(out, pc)
	}
	return out
}

// appear creates or revives the connection for endpoint.
func (r *Registry) appear(endpoint PeerEndpoint) {
	r.mu.Lock()
	pc, ok := r.peers[endpoint.Ident]
	if !ok {
		pc = newPeerConnection(r.server, endpoint)
		r.peers[endpoint.Ident] = pc
	}
	pc.removalSeq++
	r.refreshDisplayHostnamesLocked()
	r.mu.Unlock()

	if !ok {
		pc.log.WithField("addr", fmt.Sprintf("%s:%d", endpoint.IP, endpoint.Port)).Info("Peer appeared")
		pc.Start()
		return
	}
	pc.restart(endpoint)
}

// disappear shuts the connection down in the background and drops it from
// the map unless the peer reappeared meanwhile.
func (r *Registry) disappear(ident string) {
	r.mu.Lock()
	pc, ok := r.peers[ident]
	if !ok {
		r.mu.Unlock()
		return
	}
	pc.removalSeq++
	seq := pc.removalSeq
	r.mu.Unlock()

	pc.log.Info("Peer disappeared")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		current := func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return pc.removalSeq == seq
		}
		if !pc.shutdownIf(current) {
			pc.log.Debug("Removal superseded by reappearance")
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if pc.removalSeq == seq && r.peers[ident] == pc {
			delete(r.peers, ident)
			r.refreshDisplayHostnamesLocked()
		}
	}()
}

// shutdownAll stops every connection in parallel and waits for pending
// removals.
func (r *Registry) shutdownAll() {
	var wg sync.WaitGroup
	for _, pc := range r.all() {
		wg.Add(1)
		go func(pc *PeerConnection) {
			defer wg.Done()
			pc.Shutdown()
		}(pc)
	}
	wg.Wait()
	r.wg.Wait()
}

// refreshDisplayHostnamesLocked disambiguates peers sharing a hostname by
// appending their address.
func (r *Registry) refreshDisplayHostnamesLocked() {
	counts := make(map[string]int, len(r.peers))
	for _, pc := range r.peers {
		pc.mu.Lock()
		counts[pc.endpoint.Hostname]++
		pc.mu.Unlock()
	}
	for _, pc := range r.peers {
		pc.mu.Lock()
		name := pc.endpoint.Hostname
		ip := pc.endpoint.IP
		pc.mu.Unlock()
		if counts[name] > 1 {
			name = fmt.Sprintf("%s (%s)", name, ip)
		}
		pc.setDisplayHostname(name)
	}
	r.server.log.WithFields(logrus.Fields{"peers": len(r.peers)}).Debug("Registry updated")
}
