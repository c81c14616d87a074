// Package learn mines ordinary messages for persona-relevant facts in the
// background and folds them into the profile.
package learn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"kagemusha/persona"
)

// minFactRunes rejects degenerate extraction results; anything this short is
// treated as "no fact found".
const minFactRunes = 6

// GenerateFunc produces a completion for the extraction prompt. It is
// satisfied by the key pool's active client.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// Extractor submits messages to the generation service with an extraction
// instruction and appends returned facts to the persona profile. Every
// failure is logged and swallowed: this path is strictly additive and must
// never disturb the main reply flow.
type Extractor struct {
	personaName string
	generate    GenerateFunc
	profile     *persona.Store
}

func New(personaName string, generate GenerateFunc, profile *persona.Store) *Extractor {
	return &Extractor{personaName: personaName, generate: generate, profile: profile}
}

func (e *Extractor) extractionPrompt(message string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "あなたは、以下の文章から「%s」に関する新しい事実や情報を抽出するAIです。\n", e.personaName)
	sb.WriteString("抽出した事実は、簡潔な箇条書きの1行にまとめてください。\n")
	sb.WriteString("情報が抽出できない、または既知の情報だと思われる場合は、「None」とだけ出力してください。\n")
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "元の文章: 「%s」\n\n", message)
	sb.WriteString("抽出した事実:\n")
	return sb.String()
}

// Run extracts a fact from one message. It is called in its own goroutine
// per message and is never joined by the reply path. react is invoked after
// a successful append so operators can see learning events; it may be nil.
func (e *Extractor) Run(ctx context.Context, message string, react func() error) {
	raw, err := e.generate(ctx, e.extractionPrompt(message))
	if err != nil {
		slog.Warn("fact extraction generation failed", "error", err)
		return
	}

	fact := strings.TrimSpace(raw)
	if strings.EqualFold(fact, "none") || utf8.RuneCountInString(fact) < minFactRunes {
		return
	}

	if err := e.profile.Append(fact); err != nil {
		slog.Warn("fact extraction append failed", "error", err)
		return
	}
	slog.Info("learned new fact", "fact", fact)

	if react != nil {
		if err := react(); err != nil {
			slog.Warn("learning reaction failed", "error", err)
		}
	}
}
