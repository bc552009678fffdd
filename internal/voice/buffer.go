package voice

import (
	"math"
	"time"
)

// Tunables mirroring the original voice pipeline's thresholds. Defaults are
// consts; a deployment overrides them through the matching [BufferConfig]
// field, where a zero value selects the default.
const (
	defaultMinSpeechDuration   = 500 * time.Millisecond
	defaultMaxUtterance        = 30 * time.Second
	defaultSilenceTimeout      = 800 * time.Millisecond
	defaultStreamingInterval   = 1500 * time.Millisecond
	defaultMinChunkSamples     = DiscordSampleRate / 2 // 0.5s of mono samples
	defaultVADThreshold        = 0.01
)

// BufferConfig tunes the VAD and flush thresholds for every UserBuffer a
// BufferManager creates. Zero-valued fields fall back to the defaults above.
type BufferConfig struct {
	MinSpeechDuration time.Duration
	MaxUtterance      time.Duration
	SilenceTimeout    time.Duration
	StreamingInterval time.Duration
	MinChunkSamples   int
	VADThreshold      float64
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = defaultMinSpeechDuration
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = defaultMaxUtterance
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	if c.StreamingInterval == 0 {
		c.StreamingInterval = defaultStreamingInterval
	}
	if c.MinChunkSamples == 0 {
		c.MinChunkSamples = defaultMinChunkSamples
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = defaultVADThreshold
	}
	return c
}

// detectSpeech reports whether samples carry enough energy to be speech.
// RMS is computed over the normalized [-1,1] range; an empty slice is never
// speech.
func detectSpeech(samples []int16, threshold float64) bool {
	if len(samples) == 0 {
		return false
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq/float64(len(samples))) / 32768.0
	return rms > threshold
}

// UserBuffer accumulates PCM for a single speaker, decides when a flush is
// due, and emits bounded segments. Owned exclusively by a BufferManager; no
// method here is safe to call concurrently without external locking.
type UserBuffer struct {
	userID    string
	username  string
	guildID   string
	channelID string
	cfg       BufferConfig

	samples []int16

	speechStart      time.Time
	hasSpeechStart   bool
	lastAudio        time.Time
	lastChunkSent    time.Time
	hasLastChunkSent bool
	isSpeaking       bool
}

// newUserBuffer creates an empty buffer for one speaker.
func newUserBuffer(userID, username, guildID, channelID string, cfg BufferConfig) *UserBuffer {
	return &UserBuffer{
		userID:    userID,
		username:  username,
		guildID:   guildID,
		channelID: channelID,
		cfg:       cfg.withDefaults(),
	}
}

// Push appends one frame's samples, applying the push rules from spec §4.1.
func (b *UserBuffer) Push(samples []int16, now time.Time) {
	speech := detectSpeech(samples, b.cfg.VADThreshold)

	switch {
	case speech && !b.isSpeaking:
		b.isSpeaking = true
		b.speechStart = now
		b.hasSpeechStart = true
		b.samples = append(b.samples, samples...)
		b.lastAudio = now
	case speech:
		b.samples = append(b.samples, samples...)
		b.lastAudio = now
	case b.isSpeaking:
		// Trailing silence is retained but does not reset the silence timer.
		b.samples = append(b.samples, samples...)
	}
}

// flushReason classifies why ShouldFlush returned true, so Flush knows
// whether to reset speaking state.
type flushReason int

const (
	noFlush flushReason = iota
	flushStreaming
	flushSilence
	flushHardCap
)

// String renders the flush reason for metrics attributes and logging.
func (r flushReason) String() string {
	switch r {
	case flushStreaming:
		return "streaming"
	case flushSilence:
		return "silence"
	case flushHardCap:
		return "hard_cap"
	default:
		return "none"
	}
}

// shouldFlush evaluates the three flush policies in spec §4.1 order.
func (b *UserBuffer) shouldFlush(now time.Time) flushReason {
	if !b.isSpeaking || len(b.samples) == 0 {
		return noFlush
	}

	bufferedDuration := time.Duration(len(b.samples)) * time.Second / DiscordSampleRate

	if len(b.samples) >= b.cfg.MinChunkSamples {
		since := b.lastChunkReference()
		if now.Sub(since) >= b.cfg.StreamingInterval {
			return flushStreaming
		}
	}

	if now.Sub(b.lastAudio) >= b.cfg.SilenceTimeout && bufferedDuration >= b.cfg.MinSpeechDuration {
		return flushSilence
	}

	if b.hasSpeechStart && now.Sub(b.speechStart) >= b.cfg.MaxUtterance {
		return flushHardCap
	}

	return noFlush
}

// lastChunkReference is the instant the streaming cadence is measured from:
// the last chunk sent, or speech start if none has been sent yet.
func (b *UserBuffer) lastChunkReference() time.Time {
	if b.hasLastChunkSent {
		return b.lastChunkSent
	}
	return b.speechStart
}

// Flush emits the buffered samples as a segment if the flush predicate
// holds, resetting or preserving speaking state per the triggering reason.
// Returns false if nothing was flushed (predicate false, or buffer empty).
func (b *UserBuffer) Flush(now time.Time) (Segment, flushReason, bool) {
	reason := b.shouldFlush(now)
	if reason == noFlush {
		return Segment{}, noFlush, false
	}
	return b.forceFlush(now, reason), reason, true
}

// forceFlush performs the flush action unconditionally, used both by Flush
// and by ForceFlush (disconnect/unregister path, which ignores the
// predicate).
func (b *UserBuffer) forceFlush(now time.Time, reason flushReason) Segment {
	start := b.speechStart
	if !b.hasSpeechStart {
		start = now
	}

	seg := Segment{
		UserID:    b.userID,
		Username:  b.username,
		GuildID:   b.guildID,
		ChannelID: b.channelID,
		Samples:   b.samples,
		Start:     start,
		End:       now,
	}

	b.samples = nil
	b.lastChunkSent = now
	b.hasLastChunkSent = true

	if reason == flushSilence || reason == noFlush {
		b.hasSpeechStart = false
		b.isSpeaking = false
		b.hasLastChunkSent = false
	} else {
		// Streaming or hard-cap flush: keep capturing under the same speaker.
		if reason == flushHardCap {
			b.speechStart = now
		}
	}

	return seg
}

// ForceFlush emits whatever is buffered regardless of the flush predicate,
// used when a speaker disconnects or the channel is being torn down. Returns
// false if the buffer is empty.
func (b *UserBuffer) ForceFlush(now time.Time) (Segment, flushReason, bool) {
	if len(b.samples) == 0 {
		return Segment{}, noFlush, false
	}
	return b.forceFlush(now, flushSilence), flushSilence, true
}

// IsSpeaking reports the buffer's current speaking state, for tests.
func (b *UserBuffer) IsSpeaking() bool { return b.isSpeaking }

// Len reports the number of buffered samples, for tests.
func (b *UserBuffer) Len() int { return len(b.samples) }
