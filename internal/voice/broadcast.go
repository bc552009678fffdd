package voice

import (
	"log/slog"
	"sync"
)

// broadcaster fans a single stream of values out to many subscribers. A slow
// subscriber never blocks the others or the publisher: when its buffer is
// full, the oldest queued value is dropped to make room and the drop is
// counted, following the non-blocking-send-or-drop idiom the voice
// connection's send loop uses for Opus frames.
type broadcaster[T any] struct {
	log       *slog.Logger
	bufSize   int
	mu        sync.Mutex
	subs      map[int]chan T
	nextID    int
	lagCounts map[int]uint64
}

// newBroadcaster creates a broadcaster whose subscriber channels each hold
// bufSize pending values.
func newBroadcaster[T any](log *slog.Logger, bufSize int) *broadcaster[T] {
	if log == nil {
		log = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = 1
	}
	return &broadcaster[T]{
		log:       log,
		bufSize:   bufSize,
		subs:      make(map[int]chan T),
		lagCounts: make(map[int]uint64),
	}
}

// subscription is a live subscriber handle; Unsubscribe must be called to
// release it.
type subscription[T any] struct {
	b  *broadcaster[T]
	id int
	ch chan T
}

// Subscribe registers a new subscriber and returns its receive channel.
func (b *broadcaster[T]) Subscribe() *subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.bufSize)
	b.subs[id] = ch
	return &subscription[T]{b: b, id: id, ch: ch}
}

// C returns the subscription's receive channel.
func (s *subscription[T]) C() <-chan T { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *subscription[T]) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if ch, ok := s.b.subs[s.id]; ok {
		close(ch)
		delete(s.b.subs, s.id)
		delete(s.b.lagCounts, s.id)
	}
}

// Publish delivers v to every current subscriber, dropping the oldest
// queued value for any subscriber whose buffer is full.
func (b *broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
			b.lagCounts[id]++
			if b.lagCounts[id]%50 == 1 {
				b.log.Warn("subscriber lagging, dropping oldest value", "subscriber", id, "dropped_total", b.lagCounts[id])
			}
		}
	}
}

// Close closes every subscriber channel. The broadcaster must not be used
// afterward.
func (b *broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
