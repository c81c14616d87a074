package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"kagemusha/config"
	"kagemusha/learn"
	"kagemusha/llm"
	"kagemusha/persona"
	"kagemusha/sanitize"
	"kagemusha/state"
	"kagemusha/store"
	"kagemusha/utterlog"
)

const testBotID = "bot123"

type fakeSession struct {
	mu        sync.Mutex
	sent      []string
	channel   []*discordgo.Message
	reactions []string
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return &discordgo.Message{Content: content}, nil
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel, nil
}

func (f *fakeSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emojiID)
	return nil
}

func (f *fakeSession) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeGen struct {
	mu        sync.Mutex
	reply     string
	err       error
	calls     int
	rotations int
	prompts   []string
}

func (g *fakeGen) Generate(ctx context.Context, prompt string, history []llm.Turn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func (g *fakeGen) Rotate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotations++
}

func newTestAgent(t *testing.T, ses Session, gen Generator) *ChannelAgent {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Bot.ProfilePath = filepath.Join(dir, "profile.txt")

	profile, err := persona.Open(cfg.Bot.ProfilePath)
	if err != nil {
		t.Fatal(err)
	}
	ulog, err := utterlog.OpenFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.OpenFile(filepath.Join(dir, "data.json"))
	if err != nil {
		t.Fatal(err)
	}

	res := &Resources{
		Cfg:       cfg,
		Session:   ses,
		Gen:       gen,
		State:     state.New(cfg.History.Limit),
		Store:     st,
		Profile:   profile,
		UtterLog:  ulog,
		Sanitizer: sanitize.New(cfg.Bot.PersonaName),
		Extractor: learn.New(cfg.Bot.PersonaName, func(ctx context.Context, prompt string) (string, error) {
			return "None", nil
		}, profile),
	}
	return newChannelAgent("chan1", testBotID, res)
}

func newMsg(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan1",
		Content:   content,
		Author:    &discordgo.User{ID: "user1", Username: "alice"},
	}}
}

func TestMentionGateDropsUnmentioned(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "うん"}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("元気？"))

	if got := ses.sentMessages(); len(got) != 0 {
		t.Errorf("unmentioned message produced replies: %v", got)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times for gated message", gen.calls)
	}
}

func TestMentionGateToggleOff(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "うん、元気だよ"}
	a := newTestAgent(t, ses, gen)
	a.res.State.ToggleMention("chan1")

	a.handleMessage(context.Background(), newMsg("元気？"))

	got := ses.sentMessages()
	if len(got) != 1 || got[0] != "うん、元気だよ" {
		t.Errorf("sent = %v, want one reply", got)
	}
}

func TestReplyFlow(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "拓海: マジかよ、知らねーよ"}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("<@"+testBotID+"> それ本当？"))

	got := ses.sentMessages()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1: %v", len(got), got)
	}
	if got[0] != "マジかよ、知らねーよ" {
		t.Errorf("reply = %q, want label prefix stripped", got[0])
	}

	turns := a.res.State.History("chan1")
	if len(turns) != 2 {
		t.Fatalf("history has %d turns, want 2", len(turns))
	}
	if turns[0].Content != "それ本当？" || turns[0].Role != state.RoleUser {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Content != "マジかよ、知らねーよ" || turns[1].Role != state.RolePersona {
		t.Errorf("persona turn = %+v", turns[1])
	}

	// the exchange was persisted, not just held in memory
	snap, err := a.res.Store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.History["chan1"]) != 2 {
		t.Errorf("persisted history has %d turns, want 2", len(snap.History["chan1"]))
	}
}

func TestPromptCarriesQuestionAndPersona(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "おう"}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("<@"+testBotID+"> ドライブ行く？"))

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.prompts) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.prompts))
	}
	p := gen.prompts[0]
	if !strings.Contains(p, "ドライブ行く？") {
		t.Error("prompt does not carry the question")
	}
	if !strings.Contains(p, "あなたは拓海です。") {
		t.Error("prompt does not carry the persona profile")
	}
}

func TestQuotaFailoverSendsNoticesAndRotates(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{err: llm.NewQuotaError(errors.New("429 You exceeded your current quota"))}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("<@"+testBotID+"> 元気？"))

	got := ses.sentMessages()
	if len(got) != 2 || got[0] != quotaNotice || got[1] != retryNotice {
		t.Errorf("sent = %v, want quota and retry notices in order", got)
	}
	if gen.rotations != 1 {
		t.Errorf("rotations = %d, want 1", gen.rotations)
	}
	if len(a.res.State.History("chan1")) != 0 {
		t.Error("failed exchange was recorded in history")
	}
}

func TestOtherFailureSendsErrorNotice(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{err: errors.New("connection reset")}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("<@"+testBotID+"> 元気？"))

	got := ses.sentMessages()
	if len(got) != 1 || got[0] != errorNotice {
		t.Errorf("sent = %v, want just the error notice", got)
	}
	if gen.rotations != 0 {
		t.Errorf("rotations = %d, want 0 on non-quota failure", gen.rotations)
	}
}

func TestEmptyAfterMentionStripIgnored(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "うん"}
	a := newTestAgent(t, ses, gen)

	a.handleMessage(context.Background(), newMsg("<@"+testBotID+">"))

	if gen.calls != 0 {
		t.Error("bare mention with no question reached the generator")
	}
}

func TestSpeechExamplesFilterAndOrder(t *testing.T) {
	ses := &fakeSession{channel: []*discordgo.Message{
		// newest first, as the API returns them
		{Content: "三つ目", Author: &discordgo.User{ID: "user1"}},
		{Content: "他人の発言", Author: &discordgo.User{ID: "user2"}},
		{Content: "二つ目", Author: &discordgo.User{ID: "user1"}},
		{Content: "一つ目", Author: &discordgo.User{ID: "user1"}},
	}}
	gen := &fakeGen{reply: "おう"}
	a := newTestAgent(t, ses, gen)

	got := a.speechExamples(newMsg("<@" + testBotID + "> やあ"))
	want := []string{"一つ目", "二つ目", "三つ目"}
	if len(got) != len(want) {
		t.Fatalf("examples = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("examples[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMentionHelpers(t *testing.T) {
	tests := []struct {
		content   string
		mentioned bool
		stripped  string
	}{
		{"<@bot123> 元気？", true, "元気？"},
		{"<@!bot123> 元気？", true, "元気？"},
		{"元気？ <@bot123>", true, "元気？"},
		{"元気？", false, "元気？"},
		{"<@other> 元気？", false, "<@other> 元気？"},
		{"<@bot123>", true, ""},
	}
	for _, tt := range tests {
		if got := mentioned(tt.content, testBotID); got != tt.mentioned {
			t.Errorf("mentioned(%q) = %v, want %v", tt.content, got, tt.mentioned)
		}
		if got := stripMention(tt.content, testBotID); got != tt.stripped {
			t.Errorf("stripMention(%q) = %q, want %q", tt.content, got, tt.stripped)
		}
	}
}

func TestRouterSerializesPerChannel(t *testing.T) {
	ses := &fakeSession{}
	gen := &fakeGen{reply: "おう"}
	a := newTestAgent(t, ses, gen)
	a.res.State.ToggleMention("chan1")

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRouter(ctx, testBotID, a.res)

	for i := 0; i < 3; i++ {
		r.Route(newMsg("元気？"))
	}

	deadline := time.After(5 * time.Second)
	for len(ses.sentMessages()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for replies, got %v", ses.sentMessages())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if st := r.Status(); len(st) != 1 || st[0].ChannelID != "chan1" {
		t.Errorf("Status() = %+v, want one agent for chan1", st)
	}

	cancel()
	r.WaitForDrain()
}
