package voice

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// Discord voice is always 48kHz stereo Opus at 20ms frames.
const (
	recvSampleRate = 48000
	recvChannels   = 2
	recvFrameSize  = recvSampleRate * OpusFrameMs / 1000 // 960 samples/channel
)

// sweepInterval is how often SweepTimeouts runs against a channel with no
// incoming audio, so silence-triggered flushes still fire without relying
// on new frames to drive them.
const sweepInterval = 100 * time.Millisecond

// Receiver attaches to one Discord voice connection, decodes incoming Opus
// per SSRC, downmixes to mono, and drives a BufferManager. It binds SSRCs to
// user identities from speaking-state and voice-state events directly
// against discordgo, rather than through the platform-neutral
// [github.com/permissionlessweb/lingua-bridge-sub000/pkg/audio] abstraction: that
// abstraction keys participants by SSRC-as-string and folds join/leave into
// one callback, which loses the separate speaking-state, voice-tick, and
// client-disconnect event classes this pipeline needs.
type Receiver struct {
	log     *slog.Logger
	session *discordgo.Session
	vc      *discordgo.VoiceConnection
	guildID string
	mgr     *BufferManager

	decodersMu sync.Mutex
	decoders   map[Ssrc]*gopus.Decoder

	removeSpeaking func()
	removeState    func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReceiver starts receiving audio on vc and routing it through mgr.
func NewReceiver(log *slog.Logger, session *discordgo.Session, vc *discordgo.VoiceConnection, guildID string, mgr *BufferManager) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	r := &Receiver{
		log:      log,
		session:  session,
		vc:       vc,
		guildID:  guildID,
		mgr:      mgr,
		decoders: make(map[Ssrc]*gopus.Decoder),
		done:     make(chan struct{}),
	}

	r.removeSpeaking = session.AddHandler(r.handleSpeakingUpdate)
	r.removeState = session.AddHandler(r.handleVoiceStateUpdate)

	r.wg.Add(2)
	go r.recvLoop()
	go r.sweepLoop()

	return r
}

// handleSpeakingUpdate binds an SSRC to the speaking user's identity. This
// is the primary speaker-binding source: it fires before any audio for a
// new SSRC arrives.
func (r *Receiver) handleSpeakingUpdate(_ *discordgo.Session, su *discordgo.VoiceSpeakingUpdate) {
	username := r.resolveUsername(su.UserID)
	r.mgr.RegisterSpeaker(Ssrc(su.SSRC), su.UserID, username, r.guildID, r.vc.ChannelID, time.Now())
}

// handleVoiceStateUpdate keeps speaker bindings accurate when a participant
// leaves the channel entirely, since Discord does not always send a final
// speaking-update with Speaking=false before a disconnect.
func (r *Receiver) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != r.guildID {
		return
	}
	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == r.vc.ChannelID && vsu.ChannelID != r.vc.ChannelID
	if !left {
		return
	}
	r.unregisterUser(vsu.UserID, time.Now())
}

// resolveUsername looks up a username via discordgo's state cache, falling
// back to the bare user ID if the member is not cached.
func (r *Receiver) resolveUsername(userID string) string {
	member, err := r.session.State.Member(r.guildID, userID)
	if err != nil || member == nil || member.User == nil {
		return userID
	}
	return member.User.Username
}

// unregisterUser force-flushes and removes every SSRC currently bound to
// userID. A user can in principle hold more than one SSRC across a
// reconnect race, so this scans rather than tracking a single SSRC.
func (r *Receiver) unregisterUser(userID string, now time.Time) {
	r.decodersMu.Lock()
	ssrcs := make([]Ssrc, 0, 1)
	for ssrc := range r.decoders {
		if id, _, ok := r.mgr.Binding(ssrc); ok && id == userID {
			ssrcs = append(ssrcs, ssrc)
		}
	}
	r.decodersMu.Unlock()

	for _, ssrc := range ssrcs {
		r.mgr.UnregisterSpeaker(ssrc, now)
		r.decodersMu.Lock()
		delete(r.decoders, ssrc)
		r.decodersMu.Unlock()
	}
}

// recvLoop reads raw Opus packets off the voice connection, decodes and
// downmixes them to mono, and pushes frames into the buffer manager.
func (r *Receiver) recvLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case pkt, ok := <-r.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			now := time.Now()
			ssrc := Ssrc(pkt.SSRC)

			dec, err := r.decoderFor(ssrc)
			if err != nil {
				r.log.Warn("opus decoder unavailable", "ssrc", ssrc, "error", err)
				continue
			}

			stereo, err := dec.Decode(pkt.Opus, recvFrameSize, false)
			if err != nil {
				r.log.Warn("opus decode failed", "ssrc", ssrc, "error", err)
				continue
			}

			r.mgr.Push(Frame{
				SSRC:    ssrc,
				Samples: downmixToMono(stereo),
				RecvAt:  now,
			})
		}
	}
}

// sweepLoop periodically flushes buffers whose silence or hard-cap
// predicate has fired, since silence alone produces no OpusRecv packets to
// drive recvLoop.
func (r *Receiver) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.mgr.SweepTimeouts(now)
		}
	}
}

// decoderFor lazily creates a per-SSRC Opus decoder; gopus.Decoder carries
// state across frames and must not be shared between concurrent streams.
func (r *Receiver) decoderFor(ssrc Ssrc) (*gopus.Decoder, error) {
	r.decodersMu.Lock()
	defer r.decodersMu.Unlock()

	if dec, ok := r.decoders[ssrc]; ok {
		return dec, nil
	}
	dec, err := gopus.NewDecoder(recvSampleRate, recvChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	r.decoders[ssrc] = dec
	return dec, nil
}

// downmixToMono averages interleaved stereo int16 samples down to mono.
func downmixToMono(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/recvChannels)
	for i := range mono {
		l := int32(stereo[i*2])
		rr := int32(stereo[i*2+1])
		mono[i] = int16((l + rr) / 2)
	}
	return mono
}

// Close stops the receive and sweep loops, flushes every open buffer, and
// removes the registered Discord event handlers. Safe to call more than
// once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.removeSpeaking != nil {
			r.removeSpeaking()
		}
		if r.removeState != nil {
			r.removeState()
		}
		r.mgr.FlushAll(time.Now())
	})
	r.wg.Wait()
	return nil
}
