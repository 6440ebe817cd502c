package session_test

import (
	"testing"

	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/internal/session"
	"github.com/MrWong99/parlance/pkg/live"
)

// ─── TestBuildSetup_TextOnly ─────────────────────────────────────────────────

func TestBuildSetup_TextOnly(t *testing.T) {
	t.Parallel()

	msg := session.BuildSetup(config.LiveConfig{Model: "test-model"}, nil)

	if msg.Setup.Model != "models/test-model" {
		t.Fatalf("model: got %q", msg.Setup.Model)
	}
	mods := msg.Setup.GenerationConfig.ResponseModalities
	if len(mods) != 1 || mods[0] != "TEXT" {
		t.Fatalf("modalities without voice: %v", mods)
	}
	if msg.Setup.GenerationConfig.SpeechConfig != nil {
		t.Fatal("speech config must be absent without a voice")
	}
	if msg.Setup.SystemInstruction != nil {
		t.Fatal("system instruction must be absent without a prompt")
	}
	if msg.Setup.Tools != nil {
		t.Fatal("tools must be absent without declarations")
	}
}

// ─── TestBuildSetup_VoicePromptAndTools ──────────────────────────────────────

func TestBuildSetup_VoicePromptAndTools(t *testing.T) {
	t.Parallel()

	msg := session.BuildSetup(config.LiveConfig{
		Model:        "test-model",
		Voice:        "Puck",
		SystemPrompt: "be brief",
	}, []live.FunctionDeclaration{{Name: "get_time"}})

	mods := msg.Setup.GenerationConfig.ResponseModalities
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Fatalf("modalities with voice: %v", mods)
	}
	sc := msg.Setup.GenerationConfig.SpeechConfig
	if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("speech config: %+v", sc)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction: %+v", msg.Setup.SystemInstruction)
	}
	if len(msg.Setup.Tools) != 1 || msg.Setup.Tools[0].FunctionDeclarations[0].Name != "get_time" {
		t.Fatalf("tools: %+v", msg.Setup.Tools)
	}
}
