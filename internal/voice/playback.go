package voice

import (
	"encoding/base64"
	"log/slog"
	"sync"
)

// OutputSink accepts decoded PCM samples for playback into a voice channel.
// Modeled on the platform-neutral audio connection's output stream, but
// narrowed to exactly what TTS playback needs.
type OutputSink interface {
	SendPCM(samples []int16) error
}

// defaultPlaybackQueue is the number of pending TTS items buffered before
// Enqueue starts dropping.
const defaultPlaybackQueue = 16

// Playback serializes TTS audio onto a single output stream in arrival
// order, one item at a time, so two overlapping translations never talk
// over each other on the same voice connection.
type Playback struct {
	log  *slog.Logger
	sink OutputSink

	items chan Response

	done      chan struct{}
	closeOnce sync.Once
}

// NewPlayback creates a playback queue writing decoded audio to sink.
func NewPlayback(log *slog.Logger, sink OutputSink) *Playback {
	if log == nil {
		log = slog.Default()
	}
	p := &Playback{
		log:   log,
		sink:  sink,
		items: make(chan Response, defaultPlaybackQueue),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue adds a Result's TTS audio to the playback queue. Dropped silently
// (with a log) if the queue is full: a backed-up playback queue means the
// channel has already fallen behind, and piling on more audio only makes
// the lag worse.
func (p *Playback) Enqueue(resp Response) {
	if resp.TTSAudio == nil || *resp.TTSAudio == "" {
		return
	}
	select {
	case p.items <- resp:
	default:
		p.log.Warn("playback queue full, dropping TTS audio", "user_id", resp.UserID)
	}
}

func (p *Playback) run() {
	for {
		select {
		case <-p.done:
			return
		case resp := <-p.items:
			p.play(resp)
		}
	}
}

func (p *Playback) play(resp Response) {
	raw, err := base64.StdEncoding.DecodeString(*resp.TTSAudio)
	if err != nil {
		p.log.Warn("failed to decode TTS audio", "user_id", resp.UserID, "error", err)
		return
	}
	samples := SamplesFromBytes(raw)
	if err := p.sink.SendPCM(samples); err != nil {
		p.log.Warn("failed to play TTS audio", "user_id", resp.UserID, "error", err)
	}
}

// Close stops the playback goroutine. Any queued item not yet played is
// dropped.
func (p *Playback) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
