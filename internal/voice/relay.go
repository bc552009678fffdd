package voice

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// RelayConfig bundles everything a [Relay] needs to stand up a translation
// pipeline on a voice channel.
type RelayConfig struct {
	Buffer  BufferConfig
	Client  ClientConfig
	Cache   int // cache capacity; see [NewCache]
}

// channelRelay is the set of live components serving one voice channel.
type channelRelay struct {
	vc       *discordgo.VoiceConnection
	receiver *Receiver
	mgr      *BufferManager
	bridge   *Bridge
	playback *Playback
}

// Relay owns the per-channel audio pipelines for a Discord session: one
// shared inference [Client] and [Cache], and one [BufferManager] +
// [Receiver] + [Bridge] per joined voice channel. Joining and leaving
// channels is safe for concurrent use.
type Relay struct {
	log     *slog.Logger
	session *discordgo.Session
	cfg     RelayConfig
	client  *Client
	cache   *Cache

	mu       sync.Mutex
	channels map[string]*channelRelay // keyed by guildID+channelID
}

// NewRelay creates a relay backed by a single shared inference client and
// result cache. The client is started immediately and kept alive for the
// relay's lifetime, independent of how many channels are joined.
func NewRelay(log *slog.Logger, session *discordgo.Session, cfg RelayConfig) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:      log,
		session:  session,
		cfg:      cfg,
		client:   NewClient(log, cfg.Client),
		cache:    NewCache(cfg.Cache),
		channels: make(map[string]*channelRelay),
	}
}

// Cache returns the relay's shared result cache, for observability.
func (r *Relay) Cache() *Cache { return r.cache }

// Client returns the relay's shared inference client, for observability.
func (r *Relay) Client() *Client { return r.client }

func relayKey(guildID, channelID string) string { return guildID + "/" + channelID }

// Join establishes a voice connection to channelID in guildID and starts a
// full capture-buffer-receive pipeline feeding the relay's shared client.
// writer receives formatted translation lines. If enablePlayback is true,
// translated TTS audio is synthesized back into the same voice channel via
// a Discord-backed [OutputSink].
func (r *Relay) Join(guildID, channelID string, writer ThreadWriter, enablePlayback bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := relayKey(guildID, channelID)
	if _, ok := r.channels[key]; ok {
		return fmt.Errorf("voice: already joined guild %s channel %s", guildID, channelID)
	}

	vc, err := r.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice: join channel: %w", err)
	}

	mgr := NewBufferManager(r.log, r.client, r.cfg.Buffer)
	receiver := NewReceiver(r.log, r.session, vc, guildID, mgr)

	var playback *Playback
	if enablePlayback {
		sink, err := newDiscordOutputSink(vc)
		if err != nil {
			_ = vc.Disconnect()
			return fmt.Errorf("voice: create output sink: %w", err)
		}
		playback = NewPlayback(r.log, sink)
	}
	bridge := NewBridge(r.log, r.client, r.cache, writer, playback)

	r.channels[key] = &channelRelay{
		vc:       vc,
		receiver: receiver,
		mgr:      mgr,
		bridge:   bridge,
		playback: playback,
	}

	r.log.Info("voice relay joined channel", "guild_id", guildID, "channel_id", channelID)
	return nil
}

// Leave tears down the pipeline for a previously joined channel. A no-op if
// the channel isn't currently joined.
func (r *Relay) Leave(guildID, channelID string) error {
	r.mu.Lock()
	cr, ok := r.channels[relayKey(guildID, channelID)]
	if ok {
		delete(r.channels, relayKey(guildID, channelID))
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	_ = cr.receiver.Close()
	_ = cr.bridge.Close()
	if cr.playback != nil {
		_ = cr.playback.Close()
	}
	if err := cr.vc.Disconnect(); err != nil {
		r.log.Warn("voice channel leave error", "guild_id", guildID, "channel_id", channelID, "error", err)
	}
	return nil
}

// Close tears down every joined channel and stops the shared client.
func (r *Relay) Close() error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.channels))
	for key := range r.channels {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		guildID, channelID, _ := splitRelayKey(key)
		_ = r.Leave(guildID, channelID)
	}
	return r.client.Close()
}

// splitRelayKey inverts relayKey.
func splitRelayKey(key string) (guildID, channelID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
