package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/secrets"
)

// ErrProviderUnavailable marks transport-level STT/TTS failures.
var ErrProviderUnavailable = errors.New("voice provider unavailable")

// Transcription is one STT result.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Transcriber converts a captured PCM segment to text. Segments are sent
// serially per pipeline to preserve ordering.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (*Transcription, error)
	IsAvailable() bool
}

// NewTranscriber builds the configured STT provider. API keys come from the
// secret store under "<provider>_api_key".
func NewTranscriber(cfg config.STTConfig, timeout time.Duration, store secrets.Store) (Transcriber, error) {
	apiKey := ""
	if store != nil {
		if v, err := store.Get(cfg.Provider + "_api_key"); err == nil {
			apiKey = v
		}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "whisper", "":
		return &whisperTranscriber{apiBase: baseOr(cfg.APIBase, "http://localhost:8200"), httpClient: client}, nil
	case "groq":
		return &openAITranscriber{
			apiBase:    baseOr(cfg.APIBase, "https://api.groq.com/openai/v1"),
			apiKey:     apiKey,
			model:      modelOr(cfg.Model, "whisper-large-v3"),
			httpClient: client,
		}, nil
	case "openai":
		return &openAITranscriber{
			apiBase:    baseOr(cfg.APIBase, "https://api.openai.com/v1"),
			apiKey:     apiKey,
			model:      modelOr(cfg.Model, "whisper-1"),
			httpClient: client,
		}, nil
	case "deepgram":
		return &deepgramTranscriber{
			apiBase:    baseOr(cfg.APIBase, "https://api.deepgram.com"),
			apiKey:     apiKey,
			model:      modelOr(cfg.Model, "nova-2"),
			httpClient: client,
		}, nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

func baseOr(base, fallback string) string {
	if base == "" {
		return fallback
	}
	return strings.TrimRight(base, "/")
}

func modelOr(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

// whisperTranscriber talks to a local whisper server's /transcribe endpoint.
type whisperTranscriber struct {
	apiBase    string
	httpClient *http.Client
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (*Transcription, error) {
	body, contentType, err := wavForm(pcm, sampleRate, nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/transcribe", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	return doTranscribe(t.httpClient, req, "whisper")
}

func (t *whisperTranscriber) IsAvailable() bool {
	resp, err := t.httpClient.Get(t.apiBase + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// openAITranscriber posts to an OpenAI-compatible /audio/transcriptions
// endpoint (OpenAI, Groq).
type openAITranscriber struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func (t *openAITranscriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (*Transcription, error) {
	fields := map[string]string{
		"model":           t.model,
		"response_format": "json",
	}
	body, contentType, err := wavForm(pcm, sampleRate, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	return doTranscribe(t.httpClient, req, "openai")
}

func (t *openAITranscriber) IsAvailable() bool {
	return t.apiKey != ""
}

// deepgramTranscriber sends raw WAV to Deepgram's listen endpoint.
type deepgramTranscriber struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func (t *deepgramTranscriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (*Transcription, error) {
	url := fmt.Sprintf("%s/v1/listen?model=%s&smart_format=true", t.apiBase, t.model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(encodeWAV(pcm, sampleRate)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Token "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: deepgram status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(raw))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return &Transcription{}, nil
	}
	alt := result.Results.Channels[0].Alternatives[0]
	return &Transcription{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}

func (t *deepgramTranscriber) IsAvailable() bool {
	return t.apiKey != ""
}

func wavForm(pcm []int16, sampleRate int, fields map[string]string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(encodeWAV(pcm, sampleRate)); err != nil {
		return nil, "", fmt.Errorf("failed to write audio: %w", err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

func doTranscribe(client *http.Client, req *http.Request, provider string) (*Transcription, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.ErrorCF("voice", "STT API error", map[string]any{
			"provider": provider, "status_code": resp.StatusCode, "response": string(raw),
		})
		return nil, fmt.Errorf("%w: %s status %d", ErrProviderUnavailable, provider, resp.StatusCode)
	}

	var result Transcription
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	return &result, nil
}
