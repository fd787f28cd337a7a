package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nomarr/nomarr/storage"
)

// defaultQueueSize is each subscriber's ring capacity. A slow reader
// loses the oldest events past this and sees a lagged marker.
const defaultQueueSize = 64

// Subscription is one reader's handle: a receive channel plus the
// bounded ring feeding it. Publish pushes into the ring; a dedicated
// pump goroutine drains it into C, so the broker's poll loop never
// blocks on a reader.
type Subscription struct {
	// C delivers events in per-topic order.
	C <-chan Event

	id       uuid.UUID
	patterns []string
	capacity int
	out      chan Event

	mu     sync.Mutex
	buf    []Event
	lagged int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(patterns []string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = defaultQueueSize
	}
	out := make(chan Event)
	s := &Subscription{
		C:        out,
		id:       uuid.New(),
		patterns: patterns,
		capacity: capacity,
		out:      out,
		buf:      make([]Event, 0, capacity),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID returns the subscription handle.
func (s *Subscription) ID() uuid.UUID { return s.id }

// matches reports whether any subscribed pattern covers topic.
func (s *Subscription) matches(topic string) bool {
	for _, p := range s.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// push enqueues ev, dropping the oldest buffered event when full. Never
// blocks.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.lagged++
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the ring into the receive channel. When drops occurred, a
// lagged marker is delivered before the next real event so the reader
// knows its view has a gap.
func (s *Subscription) pump() {
	for {
		select {
		case <-s.done:
			close(s.out)
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			var marker *Event
			if s.lagged > 0 {
				marker = &Event{
					Type:      EventLagged,
					Topic:     "system:lagged",
					Payload:   Lagged{Dropped: s.lagged},
					Timestamp: storage.NowMS(),
				}
				s.lagged = 0
			}
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			if marker != nil {
				if !s.deliver(*marker) {
					return
				}
			}
			if !s.deliver(ev) {
				return
			}
		}
	}
}

func (s *Subscription) deliver(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		close(s.out)
		return false
	}
}

// close stops the pump. Idempotent; the broker's Unsubscribe calls it.
func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
