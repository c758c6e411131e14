package ble

import "sync"

// EventKind identifies what an Event carries.
type EventKind int

const (
	EventStateChanged EventKind = iota // State is set
	EventStatus                        // Text is a human-readable status line
	EventDiscovered                    // Peripheral is set
	EventMessage                       // Text is one inbound message
	EventCountdown                     // Remaining is set
	EventPaired                        // Peripheral is the newly bound device
	EventApproved
	EventRefused
	EventError // Err is set
)

// Event is one item on a Link's status stream.
type Event struct {
	Kind       EventKind
	State      LinkState
	Text       string
	Peripheral *Peripheral
	Remaining  int
	Err        error
}

// bus fans events out from a single producer to any number of
// subscribers. A subscriber that falls behind loses events rather than
// stalling the producer.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 16
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
