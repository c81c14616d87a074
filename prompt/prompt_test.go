package prompt_test

import (
	"strings"
	"testing"

	"kagemusha/prompt"
	"kagemusha/state"
)

func baseInput() prompt.Input {
	return prompt.Input{
		PersonaName:  "拓海",
		Persona:      "あなたは拓海です。\n口癖は「マジかよ」です。\n",
		UtteranceLog: "[2024-01-01 12:00:00] 拓海: マジかよ",
		SpeechExamples: []string{
			"おはよー",
			"今日ひま？",
		},
		History: []state.Turn{
			{Role: state.RoleUser, Content: "元気？"},
			{Role: state.RolePersona, Content: "うん、元気だよ"},
		},
		Question: "今日なにしてた？",
	}
}

func TestComposeIsPure(t *testing.T) {
	in := baseInput()
	first := prompt.Compose(in)
	for i := 0; i < 5; i++ {
		if got := prompt.Compose(in); got != first {
			t.Fatal("Compose produced different output for identical inputs")
		}
	}
}

func TestComposeContainsAllSections(t *testing.T) {
	got := prompt.Compose(baseInput())

	wantFragments := []string{
		"あなたは拓海です。",
		"拓海は過去に以下のような発言をしています:",
		"[2024-01-01 12:00:00] 拓海: マジかよ",
		"# 口調の指示",
		"- 「おはよー」",
		"- 「今日ひま？」",
		"# 会話履歴",
		"ユーザー: 元気？",
		"拓海: うん、元気だよ",
		"ユーザーメッセージ: 今日なにしてた？",
		"**ユーザーのメッセージを繰り返さずに直接返答してください。**",
	}
	for _, frag := range wantFragments {
		if !strings.Contains(got, frag) {
			t.Errorf("prompt missing fragment %q", frag)
		}
	}
	if !strings.HasSuffix(got, "拓海の応答内容:") {
		t.Errorf("prompt does not end with the reply cue, got tail %q", got[max(0, len(got)-60):])
	}
}

func TestComposeOmitsSpeechSectionWhenNoExamples(t *testing.T) {
	in := baseInput()
	in.SpeechExamples = nil
	got := prompt.Compose(in)
	if strings.Contains(got, "# 口調の指示") {
		t.Error("speech-style section present despite empty examples")
	}
}

func TestComposeCapsSpeechExamplesAtFive(t *testing.T) {
	in := baseInput()
	in.SpeechExamples = []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	got := prompt.Compose(in)

	if strings.Contains(got, "「e1」") || strings.Contains(got, "「e2」") {
		t.Error("oldest surplus examples not dropped")
	}
	for _, want := range []string{"「e3」", "「e4」", "「e5」", "「e6」", "「e7」"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing example %s", want)
		}
	}
}

func TestComposeSectionOrder(t *testing.T) {
	got := prompt.Compose(baseInput())

	idxSystem := strings.Index(got, "あなたは拓海です。")
	idxSpeech := strings.Index(got, "# 口調の指示")
	idxHistory := strings.Index(got, "# 会話履歴")
	idxQuestion := strings.Index(got, "ユーザーメッセージ:")

	if !(idxSystem < idxSpeech && idxSpeech < idxHistory && idxHistory < idxQuestion) {
		t.Errorf("sections out of order: system=%d speech=%d history=%d question=%d",
			idxSystem, idxSpeech, idxHistory, idxQuestion)
	}
}

func TestComposeUsesConfiguredPersonaName(t *testing.T) {
	in := baseInput()
	in.PersonaName = "花子"
	got := prompt.Compose(in)
	if !strings.HasSuffix(got, "花子の応答内容:") {
		t.Error("reply cue does not use configured persona name")
	}
	if !strings.Contains(got, "花子: うん、元気だよ") {
		t.Error("history rendering does not use configured persona name")
	}
}
