package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/permissionlessweb/lingua-bridge-sub000/internal/observe"
)

// binding associates an SSRC with the speaker identity resolved for it via
// the platform's speaking-state/voice-state events.
type binding struct {
	userID    string
	username  string
	guildID   string
	channelID string
}

// SegmentSink receives segments as soon as a UserBuffer decides to flush.
// Implemented by the inference client in production, and by a recording
// fake in tests. Submit errors (e.g. ErrNotConnected, ErrQueueFull) surface
// to emit's caller only as a log line: per the buffer manager's own error
// policy, C4 send failures never propagate out of C2.
type SegmentSink interface {
	Submit(Segment) error
}

// BufferManager demultiplexes per-SSRC audio into per-speaker UserBuffers
// and forwards flushed segments to a SegmentSink. One BufferManager serves
// one voice channel.
type BufferManager struct {
	log  *slog.Logger
	sink SegmentSink
	cfg  BufferConfig

	mu       sync.RWMutex
	bindings map[Ssrc]binding
	buffers  map[Ssrc]*UserBuffer
}

// NewBufferManager creates a manager that forwards flushed segments to sink.
func NewBufferManager(log *slog.Logger, sink SegmentSink, cfg BufferConfig) *BufferManager {
	if log == nil {
		log = slog.Default()
	}
	return &BufferManager{
		log:      log,
		sink:     sink,
		cfg:      cfg,
		bindings: make(map[Ssrc]binding),
		buffers:  make(map[Ssrc]*UserBuffer),
	}
}

// RegisterSpeaker binds an SSRC to a speaker identity, creating a fresh
// UserBuffer for it. Re-registering an SSRC already bound to the same user
// is a no-op; re-registering it for a different user force-flushes whatever
// that SSRC had buffered to the sink, under the stale identity, before
// rebinding.
func (m *BufferManager) RegisterSpeaker(ssrc Ssrc, userID, username, guildID, channelID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bindings[ssrc]; ok && existing.userID == userID {
		return
	}
	if buf, ok := m.buffers[ssrc]; ok {
		if seg, reason, flushed := buf.ForceFlush(now); flushed {
			m.emit(seg, reason)
		}
	}

	m.bindings[ssrc] = binding{userID: userID, username: username, guildID: guildID, channelID: channelID}
	m.buffers[ssrc] = newUserBuffer(userID, username, guildID, channelID, m.cfg)

	m.log.Debug("speaker registered", "ssrc", ssrc, "user_id", userID, "username", username)
}

// UnregisterSpeaker flushes and removes the buffer bound to ssrc. Called on
// client-disconnect or voice-channel leave.
func (m *BufferManager) UnregisterSpeaker(ssrc Ssrc, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[ssrc]
	if !ok {
		return
	}
	if seg, reason, flushed := buf.ForceFlush(now); flushed {
		m.emit(seg, reason)
	}
	delete(m.buffers, ssrc)
	delete(m.bindings, ssrc)

	m.log.Debug("speaker unregistered", "ssrc", ssrc)
}

// Push routes one decoded frame to its SSRC's buffer and flushes it if due.
// Frames for an SSRC with no registered binding are dropped; the speaking-
// state event is expected to arrive first.
func (m *BufferManager) Push(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[f.SSRC]
	if !ok {
		return
	}
	buf.Push(f.Samples, f.RecvAt)
	if seg, reason, flushed := buf.Flush(f.RecvAt); flushed {
		m.emit(seg, reason)
	}
}

// SweepTimeouts flushes every buffer whose silence or hard-cap predicate has
// fired since its last Push, even absent new audio. Must be called on a
// steady tick by the receive adapter, since silence produces no frames to
// drive Push.
func (m *BufferManager) SweepTimeouts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, buf := range m.buffers {
		if seg, reason, flushed := buf.Flush(now); flushed {
			m.emit(seg, reason)
		}
	}
}

// FlushAll force-flushes every buffer, used when the channel connection is
// torn down.
func (m *BufferManager) FlushAll(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ssrc, buf := range m.buffers {
		if seg, reason, flushed := buf.ForceFlush(now); flushed {
			m.emit(seg, reason)
		}
		delete(m.buffers, ssrc)
		delete(m.bindings, ssrc)
	}
}

// Binding returns the identity bound to ssrc, if any.
func (m *BufferManager) Binding(ssrc Ssrc) (userID, username string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[ssrc]
	if !ok {
		return "", "", false
	}
	return b.userID, b.username, true
}

// emit forwards a flushed segment to the sink and records the flush reason
// for observability. Called with mu held; Submit implementations must not
// block on the manager. A Submit error is logged and otherwise swallowed:
// C4 send failures are caller-visible at the client, but C2 cannot fail
// externally.
func (m *BufferManager) emit(seg Segment, reason flushReason) {
	observe.DefaultMetrics().RecordVoiceSegmentFlushed(context.Background(), reason.String())
	if err := m.sink.Submit(seg); err != nil {
		m.log.Warn("segment submit failed", "user_id", seg.UserID, "error", err)
	}
}
