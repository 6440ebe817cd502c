package session

import (
	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/pkg/live"
)

// BuildSetup assembles the setup envelope sent first on every connection from
// the live config and the tool declarations to expose. A configured voice
// selects the audio response modality; without one the session is text-only.
func BuildSetup(cfg config.LiveConfig, decls []live.FunctionDeclaration) live.SetupMessage {
	setup := live.SetupConfig{
		Model: "models/" + cfg.Model,
		GenerationConfig: live.GenerationConfig{
			ResponseModalities: []string{"TEXT"},
		},
	}

	if cfg.Voice != "" {
		setup.GenerationConfig.ResponseModalities = []string{"AUDIO"}
		setup.GenerationConfig.SpeechConfig = &live.SpeechConfig{
			VoiceConfig: live.VoiceConfig{
				PrebuiltVoiceConfig: live.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.SystemPrompt != "" {
		setup.SystemInstruction = &live.SystemInstruction{
			Parts: []live.Part{{Text: cfg.SystemPrompt}},
		}
	}

	if len(decls) > 0 {
		setup.Tools = []live.Tool{{FunctionDeclarations: decls}}
	}

	return live.SetupMessage{Setup: setup}
}
