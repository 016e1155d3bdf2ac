// Package discord is the chat adapter: DM prompts and notices out, DM
// replies in. The orchestration layer only sees the Prompt/Notify surface
// and a reply callback, so the daemon runs fine without a configured token.
package discord

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// ReplyHandler receives the text of a user's DM reply.
type ReplyHandler func(userID, text string)

// Adapter wraps a discordgo session. User IDs are Discord user IDs; every
// conversation happens over DM.
type Adapter struct {
	session *discordgo.Session

	mu      sync.Mutex
	dms     map[string]string // user ID -> DM channel ID
	onReply ReplyHandler
}

func New(token string) (*Adapter, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	a := &Adapter{
		session: s,
		dms:     make(map[string]string),
	}
	s.AddHandler(a.handleMessage)
	return a, nil
}

// OnReply registers the handler for incoming DM replies. Must be called
// before Start.
func (a *Adapter) OnReply(fn ReplyHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReply = fn
}

func (a *Adapter) Start() error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	slog.Info("discord adapter connected", "user", a.session.State.User.Username)
	return nil
}

func (a *Adapter) Stop() error {
	return a.session.Close()
}

// Prompt DMs the user. Satisfies the pairing prompter interface.
func (a *Adapter) Prompt(userID, text string) error {
	return a.Notify(userID, text)
}

// Notify DMs the user, creating and caching the DM channel on first use.
func (a *Adapter) Notify(userID, text string) error {
	channelID, err := a.dmChannel(userID)
	if err != nil {
		return err
	}
	if _, err := a.session.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("send dm to %s: %w", userID, err)
	}
	return nil
}

func (a *Adapter) dmChannel(userID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.dms[userID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("open dm with %s: %w", userID, err)
	}

	a.mu.Lock()
	a.dms[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if !shouldForward(m, botID) {
		return
	}

	// Guild messages carry a non-empty GuildID; everything reaching here is
	// a DM. Cache the channel so the reply prompt reuses it.
	a.mu.Lock()
	a.dms[m.Author.ID] = m.ChannelID
	fn := a.onReply
	a.mu.Unlock()

	if fn != nil {
		fn(m.Author.ID, m.Content)
	}
}

// shouldForward filters to non-bot direct messages with content.
func shouldForward(m *discordgo.MessageCreate, botID string) bool {
	if m.Author == nil || m.Author.Bot {
		return false
	}
	if botID != "" && m.Author.ID == botID {
		return false
	}
	if m.GuildID != "" {
		return false
	}
	return m.Content != ""
}
