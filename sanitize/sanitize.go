// Package sanitize cleans role-label artifacts and echoed questions out of
// raw model output before it is sent to the channel.
package sanitize

import "strings"

// fallback is sent when stripping leaves nothing; the bot never sends an
// empty message.
const fallback = "おう。"

// Sanitizer strips the label prefixes the model habitually leaks for one
// configured persona name.
type Sanitizer struct {
	name     string
	prefixes []string
}

func New(personaName string) *Sanitizer {
	return &Sanitizer{
		name: personaName,
		prefixes: []string{
			"user:",
			"model:",
			"tさん:",
			personaName + ":",
			personaName + "の応答内容:",
			personaName + "の返答内容:",
			"応答内容:",
		},
	}
}

// Sanitize trims raw output, strips at most one known label prefix, strips a
// repeated echo of the original question plus at most one stray leading
// punctuation character, and falls back to a fixed utterance when nothing is
// left. The result is never empty.
func (s *Sanitizer) Sanitize(raw, question string) string {
	text := strings.TrimSpace(raw)

	for _, prefix := range s.prefixes {
		if hasPrefixFold(text, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}

	if question != "" && hasPrefixFold(text, question) {
		text = strings.TrimSpace(text[len(question):])
		for _, punct := range []string{"…", "、"} {
			if strings.HasPrefix(text, punct) {
				text = strings.TrimSpace(text[len(punct):])
				break
			}
		}
	}

	if text == "" {
		return fallback
	}
	return text
}

// hasPrefixFold reports whether text starts with prefix, ASCII
// case-insensitively. A non-matching multibyte boundary simply fails the
// comparison.
func hasPrefixFold(text, prefix string) bool {
	return len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix)
}
