package thinker

import (
	"fmt"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/secrets"
)

const defaultSystemPrompt = "You are Helix, a concise voice-first assistant. Answer briefly; replies may be spoken aloud."

// NewFromConfig builds the engine for the configured provider. The API key
// is resolved from the secret store under "<provider>_api_key".
func NewFromConfig(cfg *config.Config, store secrets.Store, broker *bus.Broker) (*Engine, error) {
	apiKey, err := store.Get(cfg.LLM.Provider + "_api_key")
	if err != nil {
		apiKey = "" // local endpoints may not need one
	}

	timeout := time.Duration(cfg.Timeouts.ThinkerSec) * time.Second

	var provider Provider
	switch cfg.LLM.Provider {
	case "openai", "":
		provider = NewOpenAIProvider(apiKey, cfg.LLM.BaseURL, timeout)
	case "anthropic":
		provider = NewAnthropicProvider(apiKey, cfg.LLM.BaseURL)
	default:
		return nil, fmt.Errorf("unknown thinker provider %q", cfg.LLM.Provider)
	}

	return NewEngine(provider, broker, Options{
		Model:   cfg.LLM.Model,
		System:  defaultSystemPrompt,
		Timeout: timeout,
		MaxRPM:  cfg.LLM.MaxRPM,
	}), nil
}
