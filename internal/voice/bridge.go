package voice

import (
	"fmt"
	"log/slog"
)

// ThreadWriter delivers a formatted translation line to wherever the
// channel's text transcript lives. Implemented by the Discord text-channel
// adapter in production and a recording fake in tests.
type ThreadWriter interface {
	WriteLine(channelID, line string) error
}

// Bridge consumes every Response a [Client] publishes, discards anything
// that isn't a usable Result, caches the result, and forwards a formatted
// line to a ThreadWriter. It also hands TTS-bearing results to a
// [Playback] queue when one is configured.
type Bridge struct {
	log      *slog.Logger
	cache    *Cache
	writer   ThreadWriter
	playback *Playback

	sub *subscription[Response]

	done chan struct{}
}

// NewBridge wires a client's response stream to a cache, a thread writer,
// and an optional playback queue (nil disables TTS playback).
func NewBridge(log *slog.Logger, client *Client, cache *Cache, writer ThreadWriter, playback *Playback) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		log:      log,
		cache:    cache,
		writer:   writer,
		playback: playback,
		sub:      client.Subscribe(),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) run() {
	for {
		select {
		case <-b.done:
			return
		case resp, ok := <-b.sub.C():
			if !ok {
				return
			}
			b.handle(resp)
		}
	}
}

// handle processes one Response. Non-Result variants (Ready/Pong/Error) are
// logged, not forwarded: only a Result carries text worth surfacing, and
// every other variant is plumbing the bridge doesn't own a UI for.
func (b *Bridge) handle(resp Response) {
	switch ResponseType(resp.Type) {
	case ResponseError:
		b.log.Warn("inference error response", "message", resp.Message)
		return
	case ResponsePong, ResponseReady:
		return
	case ResponseResult:
	default:
		b.log.Debug("unrecognized response type", "type", resp.Type)
		return
	}

	if resp.OriginalText == "" {
		return
	}

	if b.cache != nil {
		b.cache.Put(resp.AudioHash, resp.TargetLanguage, resp)
	}

	if b.writer != nil {
		line := formatResult(resp)
		if err := b.writer.WriteLine(resp.ChannelID, line); err != nil {
			b.log.Warn("failed to write translation line", "channel_id", resp.ChannelID, "error", err)
		}
	}

	if b.playback != nil && resp.TTSAudio != nil {
		b.playback.Enqueue(resp)
	}
}

// formatResult renders a Result as the text line posted to the channel.
func formatResult(resp Response) string {
	return fmt.Sprintf("**%s**\n> %s\n%s", resp.Username, resp.OriginalText, resp.TranslatedText)
}

// Close stops the bridge's response-consuming goroutine.
func (b *Bridge) Close() error {
	close(b.done)
	b.sub.Unsubscribe()
	return nil
}
