package voice

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// sendFrameSamples is the exact number of mono samples per Opus frame at
// 48kHz/20ms; see [recvFrameSize]. The send side re-uses the same frame
// size as the receive side.
const sendFrameSamples = recvFrameSize

// discordOutputSink encodes mono PCM to stereo Opus and writes it to a
// Discord voice connection's send channel, chunked to exact Opus frame
// boundaries exactly as the platform-neutral audio connection's send loop
// does, adapted here to consume already-decoded TTS PCM instead of a mixed
// NPC audio stream.
type discordOutputSink struct {
	vc  *discordgo.VoiceConnection
	mu  sync.Mutex
	enc *gopus.Encoder

	speakingMu sync.Mutex
	speaking   bool
}

// newDiscordOutputSink creates an OutputSink that plays decoded PCM into vc.
func newDiscordOutputSink(vc *discordgo.VoiceConnection) (OutputSink, error) {
	enc, err := gopus.NewEncoder(recvSampleRate, recvChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("voice: create opus encoder: %w", err)
	}
	return &discordOutputSink{vc: vc, enc: enc}, nil
}

// SendPCM implements [OutputSink]. samples is mono int16; it is upmixed to
// stereo (duplicated per channel) before Opus encoding, since Discord voice
// only transmits stereo.
func (s *discordOutputSink) SendPCM(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setSpeaking(true)
	defer s.setSpeaking(false)

	stereo := upmixToStereo(samples)

	for len(stereo) >= sendFrameSamples*recvChannels {
		frame := stereo[:sendFrameSamples*recvChannels]
		stereo = stereo[sendFrameSamples*recvChannels:]

		opus, err := s.enc.Encode(frame, sendFrameSamples, len(frame)*2)
		if err != nil {
			return fmt.Errorf("voice: opus encode: %w", err)
		}
		s.vc.OpusSend <- opus
	}
	return nil
}

func (s *discordOutputSink) setSpeaking(b bool) {
	s.speakingMu.Lock()
	defer s.speakingMu.Unlock()
	if s.speaking == b {
		return
	}
	s.speaking = b
	_ = s.vc.Speaking(b)
}

// upmixToStereo duplicates each mono sample onto both channels.
func upmixToStereo(mono []int16) []int16 {
	out := make([]int16, len(mono)*2)
	for i, v := range mono {
		out[i*2] = v
		out[i*2+1] = v
	}
	return out
}
