package logstream

import (
	"sync"

	"github.com/charmbracelet/log"
)

const (
	// SubscriberBuffer bounds how far a subscriber may fall behind before
	// it starts missing entries.
	SubscriberBuffer = 100

	publishBuffer = 256
)

// Broker fans entries out to per-session subscribers. A single goroutine
// drains the publish channel and copies each entry to every subscriber with
// a non-blocking send, so neither producers nor slow consumers can stall
// anything else. Late subscribers see only what is published after they
// join.
type Broker struct {
	Logger *log.Logger

	mu          sync.RWMutex
	subscribers map[string]map[int]chan Entry
	nextSubID   int
	closed      bool

	publish   chan Entry
	done      chan struct{}
	closeOnce sync.Once
}

// Subscription is one attached consumer. Receive from C until it is closed;
// it closes on Unsubscribe and on broker shutdown.
type Subscription struct {
	SessionID string
	C         <-chan Entry

	id int
}

func NewBroker(logger *log.Logger) *Broker {
	b := &Broker{
		Logger:      logger,
		subscribers: map[string]map[int]chan Entry{},
		publish:     make(chan Entry, publishBuffer),
		done:        make(chan struct{}),
	}
	go b.fanOut()
	return b
}

func (b *Broker) fanOut() {
	for {
		select {
		case <-b.done:
			return
		case entry := <-b.publish:
			b.deliver(entry)
		}
	}
}

func (b *Broker) deliver(entry Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[entry.SessionID] {
		select {
		case ch <- entry:
		default:
			// Full buffer: the subscriber misses this entry.
		}
	}
}

// Publish hands an entry to the fan-out goroutine. It never blocks; if the
// publish channel is full the entry is dropped rather than delivered out of
// order.
func (b *Broker) Publish(entry Entry) {
	select {
	case b.publish <- entry:
	case <-b.done:
	default:
		if b.Logger != nil {
			b.Logger.Debug("log entry dropped, publish channel full",
				"session_id", entry.SessionID,
			)
		}
	}
}

// Subscribe attaches a consumer to a session's stream. There is no replay:
// entries published before the call are gone.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Entry)
		close(ch)
		return &Subscription{SessionID: sessionID, C: ch}
	}

	b.nextSubID++
	ch := make(chan Entry, SubscriberBuffer)
	subs := b.subscribers[sessionID]
	if subs == nil {
		subs = map[int]chan Entry{}
		b.subscribers[sessionID] = subs
	}
	subs[b.nextSubID] = ch

	return &Subscription{SessionID: sessionID, C: ch, id: b.nextSubID}
}

// SubscriberCount reports how many consumers are attached to a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Unsubscribe detaches a consumer and closes its channel. Safe to call more
// than once and after Close.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.id == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.SessionID]
	if !ok {
		return
	}
	ch, ok := subs[sub.id]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subscribers, sub.SessionID)
	}
	close(ch)
}

// Close stops the fan-out goroutine and closes every subscriber channel.
// Entries still queued are discarded.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for sessionID, subs := range b.subscribers {
			for id, ch := range subs {
				delete(subs, id)
				close(ch)
			}
			delete(b.subscribers, sessionID)
		}
	})
}
