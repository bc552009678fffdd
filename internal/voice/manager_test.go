package voice

import (
	"sync"
	"testing"
	"time"
)

// recordingSink captures every segment submitted to it, for assertions.
type recordingSink struct {
	mu       sync.Mutex
	segments []Segment
}

func (s *recordingSink) Submit(seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func shortFlushConfig() BufferConfig {
	return BufferConfig{
		MinChunkSamples:   10_000_000,
		StreamingInterval: time.Hour,
		SilenceTimeout:    20 * time.Millisecond,
		MaxUtterance:      time.Hour,
		MinSpeechDuration: time.Millisecond,
	}
}

func TestBufferManager_PushFlushesOnSilence(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())

	start := time.Now()
	m.RegisterSpeaker(42, "u1", "alice", "g1", "c1", start)
	m.Push(Frame{SSRC: 42, Samples: loudFrame(960), RecvAt: start})

	m.SweepTimeouts(start.Add(50 * time.Millisecond))

	if sink.count() != 1 {
		t.Fatalf("expected 1 flushed segment, got %d", sink.count())
	}
	if sink.segments[0].UserID != "u1" {
		t.Errorf("expected segment for u1, got %q", sink.segments[0].UserID)
	}
}

func TestBufferManager_PushDropsUnregisteredSSRC(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())

	m.Push(Frame{SSRC: 7, Samples: loudFrame(960), RecvAt: time.Now()})

	if sink.count() != 0 {
		t.Errorf("expected no segments for an unbound SSRC, got %d", sink.count())
	}
}

func TestBufferManager_RegisterSameUserIsNoop(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())
	now := time.Now()

	m.RegisterSpeaker(1, "u1", "alice", "g1", "c1", now)
	m.Push(Frame{SSRC: 1, Samples: loudFrame(960), RecvAt: now})
	m.RegisterSpeaker(1, "u1", "alice", "g1", "c1", now)

	if sink.count() != 0 {
		t.Errorf("re-registering the same user must not force a flush, got %d segments", sink.count())
	}
	userID, username, ok := m.Binding(1)
	if !ok || userID != "u1" || username != "alice" {
		t.Errorf("expected binding for u1/alice, got %q/%q ok=%v", userID, username, ok)
	}
}

func TestBufferManager_RegisterDifferentUserFlushesStale(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())
	now := time.Now()

	m.RegisterSpeaker(1, "u1", "alice", "g1", "c1", now)
	m.Push(Frame{SSRC: 1, Samples: loudFrame(960), RecvAt: now})

	m.RegisterSpeaker(1, "u2", "bob", "g1", "c1", now.Add(time.Millisecond))

	if sink.count() != 1 {
		t.Fatalf("expected stale buffer to be flushed once, got %d", sink.count())
	}
	if sink.segments[0].UserID != "u1" {
		t.Errorf("flushed segment should belong to the displaced user, got %q", sink.segments[0].UserID)
	}

	userID, _, ok := m.Binding(1)
	if !ok || userID != "u2" {
		t.Errorf("expected ssrc rebound to u2, got %q ok=%v", userID, ok)
	}
}

func TestBufferManager_UnregisterFlushesAndRemoves(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())
	now := time.Now()

	m.RegisterSpeaker(1, "u1", "alice", "g1", "c1", now)
	m.Push(Frame{SSRC: 1, Samples: loudFrame(960), RecvAt: now})

	m.UnregisterSpeaker(1, now.Add(time.Millisecond))

	if sink.count() != 1 {
		t.Fatalf("expected buffered audio to flush on unregister, got %d", sink.count())
	}
	if _, _, ok := m.Binding(1); ok {
		t.Error("expected binding to be removed after unregister")
	}

	// Unregistering an unknown SSRC is a no-op, not a panic.
	m.UnregisterSpeaker(999, now)
}

func TestBufferManager_FlushAll(t *testing.T) {
	sink := &recordingSink{}
	m := NewBufferManager(nil, sink, shortFlushConfig())
	now := time.Now()

	m.RegisterSpeaker(1, "u1", "alice", "g1", "c1", now)
	m.RegisterSpeaker(2, "u2", "bob", "g1", "c1", now)
	m.Push(Frame{SSRC: 1, Samples: loudFrame(960), RecvAt: now})
	m.Push(Frame{SSRC: 2, Samples: loudFrame(960), RecvAt: now})

	m.FlushAll(now.Add(time.Millisecond))

	if sink.count() != 2 {
		t.Fatalf("expected both speakers flushed, got %d", sink.count())
	}
	if _, _, ok := m.Binding(1); ok {
		t.Error("expected binding 1 removed after FlushAll")
	}
	if _, _, ok := m.Binding(2); ok {
		t.Error("expected binding 2 removed after FlushAll")
	}
}
