package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/logger"
)

// ttsChunkSize keeps chunks small so an interrupt lands within one chunk
// period of playback.
const ttsChunkSize = 4096

// Synthesizer converts text to a lazy finite stream of audio chunks. The
// channel closes when the stream is drained or the context is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	IsAvailable() bool
}

// KokoroSynthesizer streams from a Kokoro TTS server (OpenAI-compatible
// /v1/audio/speech API).
type KokoroSynthesizer struct {
	apiBase    string
	voice      string
	model      string
	httpClient *http.Client
}

type kokoroRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Voice  string `json:"voice"`
	Format string `json:"response_format,omitempty"`
}

func NewKokoroSynthesizer(cfg config.TTSConfig, timeout time.Duration) *KokoroSynthesizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "af_nova"
	}
	return &KokoroSynthesizer{
		apiBase:    baseOr(cfg.APIBase, "http://localhost:8102"),
		voice:      voice,
		model:      "kokoro",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *KokoroSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	reqBody, err := json.Marshal(kokoroRequest{
		Model:  s.model,
		Input:  text,
		Voice:  s.voice,
		Format: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBase+"/v1/audio/speech", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: kokoro status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	}

	chunks := make(chan []byte, 4)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		for {
			buf := make([]byte, ttsChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					logger.WarnCF("voice", "TTS stream read failed", map[string]any{"error": err.Error()})
				}
				return
			}
		}
	}()
	return chunks, nil
}

func (s *KokoroSynthesizer) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", s.apiBase+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// NewSynthesizer builds the configured TTS provider.
func NewSynthesizer(cfg config.TTSConfig, timeout time.Duration) (Synthesizer, error) {
	switch cfg.Provider {
	case "kokoro", "":
		return NewKokoroSynthesizer(cfg, timeout), nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.Provider)
	}
}
