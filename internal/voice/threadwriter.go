package voice

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordThreadWriter implements [ThreadWriter] by posting each translation
// line as a message in the Discord text channel it names.
type discordThreadWriter struct {
	session *discordgo.Session
}

// NewDiscordThreadWriter creates a [ThreadWriter] backed by a live Discord
// session. channelID passed to WriteLine must be a text channel ID the bot
// can post to — it need not be the voice channel a [Relay] is joined to.
func NewDiscordThreadWriter(session *discordgo.Session) ThreadWriter {
	return &discordThreadWriter{session: session}
}

func (w *discordThreadWriter) WriteLine(channelID, line string) error {
	if _, err := w.session.ChannelMessageSend(channelID, line); err != nil {
		return fmt.Errorf("voice: post translation line: %w", err)
	}
	return nil
}
