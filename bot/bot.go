// Package bot provides the Discord gateway wrapper, message routing, and the
// operator slash commands.
package bot

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"kagemusha/agent"
)

// Bot wraps the Discord session and message routing.
type Bot struct {
	session *discordgo.Session
	router  *agent.Router
	cmds    *Commands
}

// New creates a new Bot, configures intents, and registers the gateway
// handlers. The router must be set via SetRouter before the bot starts
// receiving messages.
func New(token string, cmds *Commands) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{session: session, cmds: cmds}
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onInteractionCreate)

	return b, nil
}

// Session returns the underlying Discord session.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// SetRouter wires a Router into the bot for message dispatch.
func (b *Bot) SetRouter(r *agent.Router) {
	b.router = r
}

// Start opens the Discord gateway connection.
func (b *Bot) Start() error {
	return b.session.Open()
}

// Stop closes the Discord gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	slog.Info("discord gateway ready", "user", s.State.User.Username)
	if err := registerSlashCommands(s); err != nil {
		slog.Error("slash command registration failed", "error", err)
	}
}

// onMessageCreate handles incoming Discord messages.
func (b *Bot) onMessageCreate(s *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil {
		return
	}
	if msg.Author.ID == s.State.User.ID || msg.Author.Bot {
		return
	}
	if b.router == nil {
		slog.Warn("message received but router not set, dropping", "channel_id", msg.ChannelID)
		return
	}
	b.router.Route(msg)
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	handler, ok := slashCommandHandlers[name]
	if !ok {
		slog.Warn("unknown slash command", "name", name)
		return
	}
	handler(b.cmds, s, i)
}
