// Package voice implements the per-speaker audio ingestion pipeline, the
// inference relay, and the result fan-out that together form the voice
// translation core: voice activity detection and buffering (UserBuffer),
// SSRC demultiplexing (BufferManager), the Discord receive adapter
// (Receiver), the inference WebSocket client (Client), the result cache
// (Cache), the subscriber bridge (Bridge), and the TTS playback queue
// (Playback).
package voice

import "time"

// DiscordSampleRate is the PCM sample rate Discord voice delivers, in Hz.
const DiscordSampleRate = 48000

// OpusFrameMs is the duration of one Discord Opus frame.
const OpusFrameMs = 20

// SamplesPerFrame is the number of mono samples in one 20ms frame at 48kHz.
const SamplesPerFrame = DiscordSampleRate * OpusFrameMs / 1000 // 960

// Ssrc identifies a voice stream on the transport. Opaque, unique within a
// session, reused across sessions.
type Ssrc = uint32

// Frame is one decoded, already-downmixed-to-mono chunk of PCM audio
// attributed to a single SSRC, as delivered by the receive adapter.
type Frame struct {
	SSRC      Ssrc
	Samples   []int16
	RecvAt    time.Time
}

// Segment is a bounded, immutable chunk of PCM audio emitted by a
// UserBuffer for inference. Samples are mono int16.
type Segment struct {
	UserID    string
	Username  string
	GuildID   string
	ChannelID string
	Samples   []int16
	Start     time.Time
	End       time.Time
}

// Duration returns the wall-clock span of the segment.
func (s Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Bytes returns the segment's samples as little-endian int16 bytes, the wire
// layout required for the inference transport's binary frame body.
func (s Segment) Bytes() []byte {
	b := make([]byte, len(s.Samples)*2)
	for i, v := range s.Samples {
		b[i*2] = byte(uint16(v))
		b[i*2+1] = byte(uint16(v) >> 8)
	}
	return b
}

// SamplesFromBytes converts little-endian int16 byte pairs back to samples.
// The inverse of [Segment.Bytes].
func SamplesFromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

// RequestHeader is the JSON header prefixed to every outbound binary frame
// sent to the inference service. PCM samples follow raw, not embedded.
type RequestHeader struct {
	Type           string `json:"type"` // always "Audio" for segment requests
	GuildID        string `json:"guild_id"`
	ChannelID      string `json:"channel_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	TargetLanguage string `json:"target_language"`
	SampleRate     int    `json:"sample_rate"`
	GenerateTTS    bool   `json:"generate_tts"`
	AudioHash      uint64 `json:"audio_hash"`
}

// PingMessage is sent as a text frame on the keepalive interval.
type PingMessage struct {
	Type string `json:"type"` // "Ping"
}

// ConfigureMessage requests the inference service switch STT/TTS models.
// Carried over from the original protocol (see SPEC_FULL.md §12); zero-cost
// to support since the wire format is already an open JSON tagged union.
type ConfigureMessage struct {
	Type     string `json:"type"` // "Configure"
	STTModel string `json:"stt_model,omitempty"`
	TTSModel string `json:"tts_model,omitempty"`
}

// ResponseType tags the variant of an inbound Response.
type ResponseType string

const (
	ResponseResult ResponseType = "Result"
	ResponseReady  ResponseType = "Ready"
	ResponsePong   ResponseType = "Pong"
	ResponseError  ResponseType = "Error"
)

// Response is the tagged union of every message the inference service may
// send back. Only the fields relevant to Type are populated.
type Response struct {
	Type string `json:"type"`

	// Result fields.
	GuildID         string  `json:"guild_id,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
	UserID          string  `json:"user_id,omitempty"`
	Username        string  `json:"username,omitempty"`
	OriginalText    string  `json:"original_text,omitempty"`
	TranslatedText  string  `json:"translated_text,omitempty"`
	SourceLanguage  string  `json:"source_language,omitempty"`
	TargetLanguage  string  `json:"target_language,omitempty"`
	TTSAudio        *string `json:"tts_audio,omitempty"`
	LatencyMs       int64   `json:"latency_ms,omitempty"`
	AudioHash       uint64  `json:"audio_hash,omitempty"`

	// Ready fields.
	STTModels []string `json:"stt_models,omitempty"`
	TTSModels []string `json:"tts_models,omitempty"`

	// Error fields.
	Message string  `json:"message,omitempty"`
	Code    *string `json:"code,omitempty"`
}

// IsResult reports whether r is a Result-typed response. It does not look at
// the response's text fields.
func (r Response) IsResult() bool { return r.Type == string(ResponseResult) }
