// Package agent manages per-channel conversation goroutines and the message
// router.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"kagemusha/config"
	"kagemusha/learn"
	"kagemusha/llm"
	"kagemusha/persona"
	"kagemusha/prompt"
	"kagemusha/sanitize"
	"kagemusha/state"
	"kagemusha/store"
	"kagemusha/utterlog"
)

// In-character notices. Failures are never silent and never break persona.
const (
	quotaNotice = "すまん、今日しゃべりすぎたからAPIキー切り替えるわ"
	retryNotice = "切り替えたからもっかい言ってくれ"
	errorNotice = "すまん、ちょっと調子悪いわ…（エラー）"
)

// learnReaction marks messages the bot learned a fact from.
const learnReaction = "🧠"

// Session is the slice of the Discord API the agents use, extracted so tests
// can run without a gateway connection.
type Session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

// Generator produces persona replies and rotates credentials on quota
// exhaustion. Satisfied by *keypool.Pool.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []llm.Turn) (string, error)
	Rotate()
}

// Uploader pushes persisted state to the remote mirror. Satisfied by
// *mirror.Mirror; nil when mirroring is disabled.
type Uploader interface {
	Upload(ctx context.Context) error
}

// Resources bundles the shared components every channel agent uses.
type Resources struct {
	Cfg       *config.Config
	Session   Session
	Gen       Generator
	State     *state.State
	Store     store.Store
	Profile   *persona.Store
	UtterLog  utterlog.Logger
	Sanitizer *sanitize.Sanitizer
	Extractor *learn.Extractor
	Mirror    Uploader // may be nil
}

// ChannelAgent serializes all message handling for one channel, closing the
// interleaved-history race overlapping messages would otherwise cause.
type ChannelAgent struct {
	channelID  string
	res        *Resources
	botID      string
	logger     *slog.Logger
	msgCh      chan *discordgo.MessageCreate
	lastActive atomic.Int64 // UnixNano; read by Status()
}

func newChannelAgent(channelID, botID string, res *Resources) *ChannelAgent {
	return &ChannelAgent{
		channelID: channelID,
		res:       res,
		botID:     botID,
		logger:    slog.With("channel_id", channelID),
		msgCh:     make(chan *discordgo.MessageCreate, 100),
	}
}

const idleTimeout = 10 * time.Minute

func (a *ChannelAgent) run(ctx context.Context) {
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case msg := <-a.msgCh:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idleTimeout)
			a.handleMessage(ctx, msg)

		case <-idleTimer.C:
			a.logger.Info("channel agent idle timeout")
			return

		case <-ctx.Done():
			// drain what is already queued before exiting
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n := len(a.msgCh)
			for i := 0; i < n; i++ {
				a.handleMessage(drainCtx, <-a.msgCh)
			}
			cancel()
			return
		}
	}
}

// mentioned reports whether content carries a raw mention of the bot.
func mentioned(content, botID string) bool {
	return strings.Contains(content, "<@"+botID+">") || strings.Contains(content, "<@!"+botID+">")
}

// stripMention removes the first bot mention from content and trims the rest,
// leaving the bare question.
func stripMention(content, botID string) string {
	for _, marker := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if idx := strings.Index(content, marker); idx >= 0 {
			content = content[:idx] + content[idx+len(marker):]
			break
		}
	}
	return strings.TrimSpace(content)
}

func (a *ChannelAgent) handleMessage(ctx context.Context, msg *discordgo.MessageCreate) {
	a.lastActive.Store(time.Now().UnixNano())

	isMentioned := mentioned(msg.Content, a.botID)
	if a.res.State.MentionRequired(a.channelID) && !isMentioned {
		return
	}

	question := stripMention(msg.Content, a.botID)
	if question == "" {
		return
	}
	a.logger.Info("question received", "author", msg.Author.Username)

	stopTyping := a.startTyping(ctx)
	defer stopTyping()

	promptText := a.buildPrompt(msg, question)
	reply, err := a.res.Gen.Generate(ctx, promptText, llmHistory(a.res.State.History(a.channelID)))
	if err != nil {
		a.handleGenerationFailure(err)
		return
	}

	clean := a.res.Sanitizer.Sanitize(reply, question)
	if _, err := a.res.Session.ChannelMessageSend(a.channelID, clean); err != nil {
		a.logger.Error("send reply", "error", err)
		return
	}
	a.logger.Info("reply sent")

	a.res.State.AppendExchange(a.channelID, question, clean)
	a.persist(ctx)

	// Fact learning is fire-and-forget: spawned per message, never joined,
	// failures logged inside Run. The background context detaches it from
	// the reply that spawned it.
	go func() {
		learnCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		a.res.Extractor.Run(learnCtx, msg.Content, func() error {
			return a.res.Session.MessageReactionAdd(a.channelID, msg.ID, learnReaction)
		})
	}()
}

func (a *ChannelAgent) buildPrompt(msg *discordgo.MessageCreate, question string) string {
	utterText, err := a.res.UtterLog.Recent(a.res.Cfg.History.RecentUtterances)
	if err != nil {
		a.logger.Warn("utterance log read failed", "error", err)
	}

	return prompt.Compose(prompt.Input{
		PersonaName:    a.res.Cfg.Bot.PersonaName,
		Persona:        a.res.Profile.Load(),
		UtteranceLog:   utterText,
		SpeechExamples: a.speechExamples(msg),
		History:        a.res.State.History(a.channelID),
		Question:       question,
	})
}

// speechExamples collects up to the configured number of the author's most
// recent messages in this channel, oldest first, to instruct the model to
// mimic their tone.
func (a *ChannelAgent) speechExamples(msg *discordgo.MessageCreate) []string {
	limit := a.res.Cfg.History.SpeechExamples
	if limit <= 0 {
		return nil
	}
	msgs, err := a.res.Session.ChannelMessages(a.channelID, limit, msg.ID, "", "")
	if err != nil {
		a.logger.Warn("fetch channel messages for speech examples failed", "error", err)
		return nil
	}
	// msgs is newest-first; reverse while filtering by author
	var examples []string
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Author != nil && m.Author.ID == msg.Author.ID && m.Content != "" {
			examples = append(examples, m.Content)
		}
	}
	return examples
}

func (a *ChannelAgent) handleGenerationFailure(err error) {
	if llm.IsQuotaError(err) {
		a.logger.Warn("quota exceeded, rotating API key", "error", err)
		a.send(quotaNotice)
		a.res.Gen.Rotate()
		a.send(retryNotice)
		return
	}
	a.logger.Error("generation failed", "error", err)
	a.send(errorNotice)
}

func (a *ChannelAgent) send(content string) {
	if _, err := a.res.Session.ChannelMessageSend(a.channelID, content); err != nil {
		a.logger.Error("send notice", "error", err)
	}
}

// persist saves the snapshot and kicks off a best-effort mirror upload.
// Failures downgrade to warnings: the bot keeps running on in-memory state.
func (a *ChannelAgent) persist(ctx context.Context) {
	if err := a.res.Store.Save(ctx, a.res.State.Snapshot()); err != nil {
		a.logger.Warn("persist state failed, continuing in-memory", "error", err)
		return
	}
	if a.res.Mirror != nil {
		go func() {
			upCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.res.Mirror.Upload(upCtx); err != nil {
				a.logger.Warn("mirror upload failed", "error", err)
			}
		}()
	}
}

// startTyping sends a typing indicator immediately and refreshes it every
// 8 seconds until the returned cancel function is called.
func (a *ChannelAgent) startTyping(ctx context.Context) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := a.res.Session.ChannelTyping(a.channelID); err != nil {
			a.logger.Debug("channel typing error", "error", err)
		}
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.res.Session.ChannelTyping(a.channelID); err != nil {
					a.logger.Debug("channel typing refresh error", "error", err)
				}
			case <-typingCtx.Done():
				return
			}
		}
	}()
	return cancel
}

// llmHistory converts stored turns to the wire roles the generation service
// expects.
func llmHistory(turns []state.Turn) []llm.Turn {
	out := make([]llm.Turn, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == state.RolePersona {
			role = "model"
		}
		out = append(out, llm.Turn{Role: role, Content: t.Content})
	}
	return out
}
