// Package thinker turns a transcript into a reply through a configured LLM
// provider. Every call emits a thinker:preflight event before the provider
// is dispatched, then exactly one thinker:complete.
package thinker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/logger"
)

// ErrProviderUnavailable marks transport-level provider failures; callers
// map it to the provider-unavailable wire code.
var ErrProviderUnavailable = errors.New("thinker provider unavailable")

// Turn is one prior exchange in a session.
type Turn struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// SessionContext carries the conversational context for one Think call.
type SessionContext struct {
	SessionKey string
	Channel    string
	History    []Turn
}

// Thinker is the reply port used by the voice pipeline and channel flow.
type Thinker interface {
	Think(ctx context.Context, transcript string, session SessionContext) (string, error)
}

// Request is the provider-level call.
type Request struct {
	Model  string
	System string
	Turns  []Turn
}

// Response is the provider-level result.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

const historyCap = 20

// Engine wraps a Provider with rate limiting, per-session short-term
// history, usage events, and cost accounting.
type Engine struct {
	provider Provider
	model    string
	system   string
	timeout  time.Duration
	limiter  *rate.Limiter
	broker   *bus.Broker

	mu        sync.Mutex
	history   map[string][]Turn
	tokensIn  uint64
	tokensOut uint64
	centsX100 uint64 // accumulated cost in hundredths of a cent
}

type Options struct {
	Model   string
	System  string
	Timeout time.Duration
	MaxRPM  int
}

func NewEngine(provider Provider, broker *bus.Broker, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if opts.MaxRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.MaxRPM)/60.0), opts.MaxRPM)
	}
	return &Engine{
		provider: provider,
		model:    opts.Model,
		system:   opts.System,
		timeout:  timeout,
		limiter:  limiter,
		broker:   broker,
		history:  make(map[string][]Turn),
	}
}

// Think implements the Thinker port. The preflight event is published before
// the provider call starts, so observers see the attempt even if the
// provider never returns.
func (e *Engine) Think(ctx context.Context, transcript string, session SessionContext) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", nil
	}

	turns := e.buildTurns(session, transcript)
	requestID := uuid.NewString()
	started := time.Now()

	promptSize := len(e.system)
	for _, t := range turns {
		promptSize += len(t.Content)
	}

	if e.broker != nil {
		e.broker.Publish(bus.EventThinkerPreflight, map[string]any{
			"requestId":  requestID,
			"provider":   e.provider.Name(),
			"model":      e.model,
			"promptSize": promptSize,
			"startedAt":  started.UTC().Format(time.RFC3339Nano),
		})
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.completeError(requestID, started, "provider-unavailable", err.Error())
			return "", err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(callCtx, Request{
		Model:  e.model,
		System: e.system,
		Turns:  turns,
	})
	if err != nil {
		code := "internal"
		if errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			code = "provider-unavailable"
		}
		e.completeError(requestID, started, code, err.Error())
		logger.ErrorCF("thinker", "Provider call failed", map[string]any{
			"requestId": requestID, "provider": e.provider.Name(), "error": err.Error(),
		})
		return "", err
	}

	cost := costCentsX100(e.model, resp.TokensIn, resp.TokensOut)
	e.mu.Lock()
	e.tokensIn += uint64(resp.TokensIn)
	e.tokensOut += uint64(resp.TokensOut)
	e.centsX100 += cost
	e.mu.Unlock()

	e.recordTurns(session.SessionKey, transcript, resp.Text)

	if e.broker != nil {
		e.broker.Publish(bus.EventThinkerComplete, map[string]any{
			"requestId": requestID,
			"latencyMs": time.Since(started).Milliseconds(),
			"tokensIn":  resp.TokensIn,
			"tokensOut": resp.TokensOut,
			"costCents": float64(cost) / 100.0,
			"success":   true,
		})
	}
	return resp.Text, nil
}

func (e *Engine) completeError(requestID string, started time.Time, code, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(bus.EventThinkerComplete, map[string]any{
		"requestId": requestID,
		"latencyMs": time.Since(started).Milliseconds(),
		"success":   false,
		"errorCode": code,
		"message":   message,
	})
}

func (e *Engine) buildTurns(session SessionContext, transcript string) []Turn {
	var turns []Turn
	if len(session.History) > 0 {
		turns = append(turns, session.History...)
	} else if session.SessionKey != "" {
		e.mu.Lock()
		turns = append(turns, e.history[session.SessionKey]...)
		e.mu.Unlock()
	}
	return append(turns, Turn{Role: "user", Content: transcript})
}

func (e *Engine) recordTurns(sessionKey, transcript, reply string) {
	if sessionKey == "" {
		return
	}
	e.mu.Lock()
	h := append(e.history[sessionKey], Turn{Role: "user", Content: transcript}, Turn{Role: "assistant", Content: reply})
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	e.history[sessionKey] = h
	e.mu.Unlock()
}

// Usage is the accumulated token and cost tally since start.
type Usage struct {
	TokensIn  uint64  `json:"tokens_in"`
	TokensOut uint64  `json:"tokens_out"`
	CostCents float64 `json:"cost_cents"`
}

func (e *Engine) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Usage{
		TokensIn:  e.tokensIn,
		TokensOut: e.tokensOut,
		CostCents: float64(e.centsX100) / 100.0,
	}
}
