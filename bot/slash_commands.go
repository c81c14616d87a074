package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"kagemusha/persona"
	"kagemusha/state"
	"kagemusha/store"
	"kagemusha/utterlog"
)

// showLogLimit caps the inline log dump; Discord rejects messages past 2000
// characters and the code fence needs headroom.
const showLogLimit = 1900

// historyScanCap is the hard ceiling on messages scanned per invocation.
const historyScanCap = 500

// Commands bundles the state the slash command handlers operate on.
type Commands struct {
	PersonaName string
	State       *state.State
	Store       store.Store
	Profile     *persona.Store
	UtterLog    utterlog.Logger
}

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "taku_toggle_mention",
		Description: "このチャンネルでのメンション必須/不要を切り替えます。",
	},
	{
		Name:        "taku_addinfo",
		Description: "プロファイル情報を追加します。",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "info",
				Description: "追加する情報（例: 拓海はラーメンが好きです）",
				Required:    true,
			},
		},
	},
	{
		Name:        "taku_showinfo",
		Description: "プロファイル情報を表示します。",
	},
	{
		Name:        "taku_get_history",
		Description: "チャンネルから指定ユーザーの過去の発言履歴を取得します。",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "username",
				Description: "履歴を取得したいユーザーの名前（例: 拓海）",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "limit",
				Description: "取得するメッセージ数（最大500）",
				Required:    false,
			},
		},
	},
	{
		Name:        "taku_showlog",
		Description: "保存された発言履歴ログを表示します。",
	},
}

var slashCommandHandlers = map[string]func(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate){
	"taku_toggle_mention": handleToggleMention,
	"taku_addinfo":        handleAddInfo,
	"taku_showinfo":       handleShowInfo,
	"taku_get_history":    handleGetHistory,
	"taku_showlog":        handleShowLog,
}

func registerSlashCommands(s *discordgo.Session) error {
	for _, cmd := range slashCommands {
		if _, err := s.ApplicationCommandCreate(s.State.User.ID, "", cmd); err != nil {
			return fmt.Errorf("create %s command: %w", cmd.Name, err)
		}
		slog.Info("registered slash command", "name", cmd.Name)
	}
	return nil
}

// respond sends an ephemeral reply to the interaction.
func respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Error("interaction respond failed", "error", err)
	}
}

func handleToggleMention(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate) {
	required := c.State.ToggleMention(i.ChannelID)

	if err := c.Store.Save(context.Background(), c.State.Snapshot()); err != nil {
		slog.Warn("persist toggled setting failed", "error", err)
	}

	if required {
		respond(s, i, "設定変更！このチャンネルでは**メンション必須**になりました。")
	} else {
		respond(s, i, "設定変更！このチャンネルでは**メンション不要**で返事します。")
	}
}

func handleAddInfo(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate) {
	info := optionString(i, "info")
	if err := c.Profile.Append(info); err != nil {
		slog.Error("profile append failed", "error", err)
		respond(s, i, fmt.Sprintf("プロファイル情報の追加中にエラーが発生しました: %v", err))
		return
	}
	slog.Info("profile fact added manually", "fact", info)
	respond(s, i, fmt.Sprintf("%sのプロファイルに「%s」を追加しました。", c.PersonaName, info))
}

func handleShowInfo(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate) {
	respond(s, i, fmt.Sprintf("**%sのプロファイル情報:**\n```\n%s\n```", c.PersonaName, c.Profile.Load()))
}

func handleGetHistory(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate) {
	username := optionString(i, "username")
	limit := int(optionInt(i, "limit"))
	if limit <= 0 {
		limit = 200
	}
	if limit > historyScanCap {
		limit = historyScanCap
	}

	// the scan can take multiple API round trips, so defer first
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		slog.Error("interaction defer failed", "error", err)
		return
	}

	count, err := collectAuthorHistory(s, c.UtterLog, i.ChannelID, username, limit)
	var content string
	if err != nil {
		content = fmt.Sprintf("履歴取得中にエラーが発生しました: %v", err)
	} else {
		content = fmt.Sprintf("'%s' さんの発言履歴を %d 件取得し、ログに保存しました。", username, count)
		slog.Info("channel history imported", "username", username, "count", count)
	}
	if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		slog.Error("interaction followup failed", "error", err)
	}
}

func handleShowLog(c *Commands, s *discordgo.Session, i *discordgo.InteractionCreate) {
	content, err := c.UtterLog.Dump()
	if err != nil {
		respond(s, i, fmt.Sprintf("発言履歴ログの読み込み中にエラーが発生しました: %v", err))
		return
	}
	if content == "" {
		respond(s, i, "発言履歴ログはまだありません。")
		return
	}
	respond(s, i, formatLogDump(c.PersonaName, content))
}

// formatLogDump wraps the log in a code fence, truncating past the Discord
// message limit.
func formatLogDump(personaName, content string) string {
	if len(content) > showLogLimit {
		return "ログが長すぎるため、最初の部分を表示します。\n```\n" + content[:showLogLimit] + "...\n```"
	}
	return fmt.Sprintf("**%sの発言履歴:**\n```\n%s\n```", personaName, content)
}

// messageFetcher is the slice of the Discord API the history scan uses,
// extracted so tests can run without a gateway connection.
type messageFetcher interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// collectAuthorHistory scans the channel backward up to limit messages,
// appending every message by the named author to the utterance log. A failed
// append skips that message and keeps scanning.
func collectAuthorHistory(fetch messageFetcher, log utterlog.Logger, channelID, username string, limit int) (int, error) {
	var (
		count    int
		scanned  int
		beforeID string
	)
	for scanned < limit {
		batch := limit - scanned
		if batch > 100 {
			batch = 100
		}
		msgs, err := fetch.ChannelMessages(channelID, batch, beforeID, "", "")
		if err != nil {
			return count, fmt.Errorf("fetch channel messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if m.Author == nil || m.Author.Username != username {
				continue
			}
			if err := log.Append(m.Author.Username, m.Content); err != nil {
				slog.Warn("utterance append failed during history import", "error", err)
				continue
			}
			count++
		}
		scanned += len(msgs)
		beforeID = msgs[len(msgs)-1].ID
	}
	return count, nil
}

func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func optionInt(i *discordgo.InteractionCreate, name string) int64 {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.IntValue()
		}
	}
	return 0
}
