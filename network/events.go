package network

import (
	"sync"
	"time"

	"gowarp/transfer"
)

// EventKind names a change notification.
type EventKind string

const (
	EventMachineInfoChanged  EventKind = "machine-info-changed"
	EventOpsChanged          EventKind = "ops-changed"
	EventRemoteStatusChanged EventKind = "remote-status-changed"
	EventNewIncomingOp       EventKind = "new-incoming-op"
	EventOpStatusChanged     EventKind = "op-status-changed"
	EventOpProgress          EventKind = "op-progress"
)

// Event is delivered to every subscriber in publish order. Op is set for the
// op-scoped kinds.
type Event struct {
	Kind EventKind
	Peer PeerSnapshot
	Op   *OpSnapshot
	Time time.Time
}

// PeerSnapshot is a copy of a PeerConnection's observable state.
type PeerSnapshot struct {
	Ident           string
	Hostname        string
	DisplayHostname string
	IP              string
	Port            int
	AuthPort        int
	Status          PeerStatus
	DisplayName     string
	UserName        string
	Avatar          []byte
}

// OpSnapshot is a copy of a TransferOp's observable state.
type OpSnapshot struct {
	PeerIdent       string
	StartTime       int64
	Direction       transfer.Direction
	SenderIdent     string
	SenderName      string
	ReceiverIdent   string
	ReceiverName    string
	TotalSize       int64
	TotalCount      int
	Description     string
	NameIfSingle    string
	MimeIfSingle    string
	TopDirBasenames []string
	Status          transfer.OpStatus
	ErrorMsg        string
	NotEnoughSpace  bool
	Conflicts       []string
	Warnings        []string
	Progress        transfer.ProgressReport
	Attempt         int
}

// Notifier is an ordered asynchronous event queue. Publishing never blocks on
// subscribers; one dispatcher goroutine calls them in order.
type Notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   map[int]func(Event)
	nextID int
	closed bool
	done   chan struct{}
}

// NewNotifier starts the dispatcher.
func NewNotifier() *Notifier {
	n := &Notifier{
		subs: make(map[int]func(Event)),
		done: make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.dispatch()
	return n
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Close delivers queued events, then stops the dispatcher. Later publishes
// are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, event)
	n.cond.Signal()
}

func (n *Notifier) dispatch() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 && n.closed {
			n.mu.Unlock()
			return
		}
		event := n.queue[0]
		n.queue[0] = Event{}
		n.queue = n.queue[1:]
		subs := make([]func(Event), 0, len(n.subs))
		for id := 0; id < n.nextID; id++ {
			if fn, ok := n.subs[id]; ok {
				subs = append(subs, fn)
			}
		}
		n.mu.Unlock()

		for _, fn := range subs {
			fn(event)
		}
	}
}
