// Package prompt deterministically assembles the generation prompt from the
// persona profile, the speaker log, the rolling history, and the new question.
package prompt

import (
	"fmt"
	"strings"

	"kagemusha/state"
)

// maxSpeechExamples caps how many of the author's recent messages are quoted
// when instructing the model to mimic their tone.
const maxSpeechExamples = 5

// Input bundles everything Compose reads. Compose is pure: identical inputs
// produce identical prompt text.
type Input struct {
	PersonaName    string
	Persona        string       // full profile text
	UtteranceLog   string       // formatted "[ts] name: text" lines, oldest first
	SpeechExamples []string     // current author's recent messages, oldest first
	History        []state.Turn // rolling conversation turns, oldest first
	Question       string
}

// Compose builds the single instruction+context string sent to the
// generation service. The trailing cue line primes the model to produce only
// the persona's reply.
func Compose(in Input) string {
	var sb strings.Builder

	sb.WriteString(systemInstruction(in))

	if len(in.SpeechExamples) > 0 {
		sb.WriteString("\n\n# 口調の指示\n")
		sb.WriteString(speechSection(in.SpeechExamples))
	}

	sb.WriteString("\n\n# 会話履歴\n")
	sb.WriteString(renderHistory(in.PersonaName, in.History))

	fmt.Fprintf(&sb, "\nユーザーメッセージ: %s\n\n%sの応答内容:", in.Question, in.PersonaName)
	return sb.String()
}

func systemInstruction(in Input) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(in.Persona, "\n"))
	fmt.Fprintf(&sb, "\n\n%sは過去に以下のような発言をしています:\n%s\n\n", in.PersonaName, in.UtteranceLog)
	name := in.PersonaName
	fmt.Fprintf(&sb, "ユーザーとの会話から、%sに関する新たな情報が得られた場合は、それも考慮して応答してください。\n", name)
	fmt.Fprintf(&sb, "%sの口調や言動、口癖を真似して自然な会話をしてください。\n", name)
	fmt.Fprintf(&sb, "質問に対しては、%sとして詳しく答えてください。\n", name)
	sb.WriteString("**ユーザーのメッセージを繰り返さずに直接返答してください。**\n")
	fmt.Fprintf(&sb, "**もし正確な数字、場所（県名など）、人名、またはその他の具体的な事実が分からない質問をされた場合でも、「分からない」と答えずに、%sらしい適当な、それらしい情報を答えてください。**", name)
	return sb.String()
}

func speechSection(examples []string) string {
	if len(examples) > maxSpeechExamples {
		examples = examples[len(examples)-maxSpeechExamples:]
	}
	var sb strings.Builder
	sb.WriteString("以下の発言例を参考にして、このユーザーの口調を真似て応答してください。")
	for _, ex := range examples {
		fmt.Fprintf(&sb, "\n- 「%s」", ex)
	}
	return sb.String()
}

func renderHistory(personaName string, history []state.Turn) string {
	var sb strings.Builder
	for _, t := range history {
		switch t.Role {
		case state.RoleUser:
			fmt.Fprintf(&sb, "ユーザー: %s\n", t.Content)
		case state.RolePersona:
			fmt.Fprintf(&sb, "%s: %s\n", personaName, t.Content)
		}
	}
	return sb.String()
}
