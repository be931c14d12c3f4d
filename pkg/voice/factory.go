package voice

import (
	"fmt"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/secrets"
	"github.com/helixlabs/helix/pkg/thinker"
)

// NewFromConfig wires a full pipeline from configuration. The pipeline is
// returned unstarted; Start launches capture when the mode calls for it.
func NewFromConfig(cfg *config.Config, store secrets.Store, think thinker.Thinker, broker *bus.Broker) (*Pipeline, error) {
	sttTimeout := time.Duration(cfg.Timeouts.STTSec) * time.Second
	if sttTimeout <= 0 {
		sttTimeout = 60 * time.Second
	}
	ttsTimeout := time.Duration(cfg.Timeouts.TTSSec) * time.Second
	if ttsTimeout <= 0 {
		ttsTimeout = 60 * time.Second
	}

	stt, err := NewTranscriber(cfg.Voice.STT, sttTimeout, store)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	tts, err := NewSynthesizer(cfg.Voice.TTS, ttsTimeout)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	recorder, err := NewCommandRecorder(cfg.Voice.Recorder)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	player, err := NewCommandPlayer(cfg.Voice.Player)
	if err != nil {
		return nil, fmt.Errorf("player: %w", err)
	}

	return NewPipeline(cfg.Voice, cfg.Timeouts, Deps{
		Recorder: recorder,
		Player:   player,
		STT:      stt,
		TTS:      tts,
		Thinker:  think,
		Broker:   broker,
	}), nil
}
