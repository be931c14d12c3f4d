// Package hooks runs named callbacks and external commands in response to
// bus events. Invocations are isolated: a panic, non-zero exit, or timeout in
// one hook never aborts the others.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/logger"
)

const (
	ringSize          = 32
	defaultQueueSize  = 256
	defaultCoalesceAt = 100
)

// HandlerFunc is an in-process hook body.
type HandlerFunc func(ctx context.Context, event string, payload map[string]any) error

type hook struct {
	name    string
	event   string
	enabled bool
	cron    string
	command string
	timeout time.Duration
	config  map[string]any
	fn      HandlerFunc

	fired         uint64
	failed        uint64
	lastTriggered time.Time
}

// Result is one recorded hook invocation.
type Result struct {
	Hook       string    `json:"hook"`
	Event      string    `json:"event"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Coalesced  int       `json:"coalesced,omitempty"`
	At         time.Time `json:"at"`
}

// Snapshot is the hooks.list view of one hook.
type Snapshot struct {
	Name          string    `json:"name"`
	Event         string    `json:"event"`
	Enabled       bool      `json:"enabled"`
	Command       string    `json:"command,omitempty"`
	Cron          string    `json:"cron,omitempty"`
	Builtin       bool      `json:"builtin"`
	Fired         uint64    `json:"fired"`
	Failed        uint64    `json:"failed"`
	LastTriggered time.Time `json:"lastTriggered"`
}

type trigger struct {
	event   string
	payload map[string]any
	count   int
}

// Engine dispatches triggers to hooks in registration order. Dispatch runs on
// a single worker; when the backlog passes the coalesce threshold, repeat
// triggers for the same event merge into one carrying the latest payload.
type Engine struct {
	mu         sync.Mutex
	hooks      []*hook
	ring       []Result
	queue      []*trigger
	queuedBy   map[string]*trigger
	coalesceAt int
	timeout    time.Duration

	broker *bus.Broker
	runner commandRunner

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(broker *bus.Broker, timeout time.Duration, coalesceAt int) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if coalesceAt <= 0 {
		coalesceAt = defaultCoalesceAt
	}
	return &Engine{
		coalesceAt: coalesceAt,
		timeout:    timeout,
		broker:     broker,
		queuedBy:   make(map[string]*trigger),
		runner:     runCommand,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Configure replaces all command hooks from config. Builtin hooks registered
// with RegisterFunc survive. Hook names come from a JSON map, so dispatch
// order is made deterministic by sorting names at load.
func (e *Engine) Configure(cfgs map[string]config.HookConfig) error {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.hooks[:0]
	for _, h := range e.hooks {
		if h.fn != nil {
			kept = append(kept, h)
		}
	}
	e.hooks = kept

	for _, name := range names {
		if e.findLocked(name) != nil {
			return fmt.Errorf("duplicate hook name %q", name)
		}
		hc := cfgs[name]
		timeout := e.timeout
		if hc.TimeoutSec > 0 {
			timeout = time.Duration(hc.TimeoutSec) * time.Second
		}
		e.hooks = append(e.hooks, &hook{
			name:    name,
			event:   hc.Event,
			enabled: hc.Enabled,
			cron:    hc.Cron,
			command: hc.Command,
			timeout: timeout,
			config:  hc.Config,
		})
	}
	return nil
}

// RegisterFunc adds an in-process hook. Names are unique across both kinds.
func (e *Engine) RegisterFunc(name, event string, fn HandlerFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.findLocked(name) != nil {
		return fmt.Errorf("duplicate hook name %q", name)
	}
	e.hooks = append(e.hooks, &hook{name: name, event: event, enabled: true, fn: fn, timeout: e.timeout})
	return nil
}

func (e *Engine) findLocked(name string) *hook {
	for _, h := range e.hooks {
		if h.name == name {
			return h
		}
	}
	return nil
}

// Trigger queues an event for dispatch and returns immediately.
func (e *Engine) Trigger(event string, payload map[string]any) {
	e.mu.Lock()
	if len(e.queue) >= e.coalesceAt {
		if pending, ok := e.queuedBy[event]; ok {
			pending.payload = payload
			pending.count++
			e.mu.Unlock()
			return
		}
	}
	tr := &trigger{event: event, payload: payload, count: 1}
	e.queue = append(e.queue, tr)
	e.queuedBy[event] = tr
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Start launches the dispatch worker and the cron scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.dispatchLoop(ctx)
	go e.cronLoop(ctx)
}

func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		tr := e.pop()
		if tr == nil {
			select {
			case <-e.signal:
				continue
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
		e.dispatch(ctx, tr)
	}
}

func (e *Engine) pop() *trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	tr := e.queue[0]
	e.queue = e.queue[1:]
	if e.queuedBy[tr.event] == tr {
		delete(e.queuedBy, tr.event)
	}
	return tr
}

func (e *Engine) dispatch(ctx context.Context, tr *trigger) {
	e.mu.Lock()
	matched := make([]*hook, 0, 4)
	for _, h := range e.hooks {
		if h.enabled && h.event == tr.event {
			matched = append(matched, h)
		}
	}
	e.mu.Unlock()

	for _, h := range matched {
		e.invoke(ctx, h, tr)
	}
}

func (e *Engine) invoke(ctx context.Context, h *hook, tr *trigger) {
	start := time.Now()
	res := Result{
		Hook:      h.name,
		Event:     tr.event,
		At:        start.UTC(),
		Coalesced: tr.count - 1,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Error = fmt.Sprintf("panic: %v", r)
				logger.ErrorCF("hooks", "Hook panic", map[string]any{
					"hook": h.name, "event": tr.event, "panic": fmt.Sprintf("%v", r),
				})
			}
		}()

		runCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		if h.fn != nil {
			if err := h.fn(runCtx, tr.event, tr.payload); err != nil {
				res.Error = err.Error()
			}
			return
		}
		output, err := e.runner(runCtx, h, tr)
		res.Output = output
		if err != nil {
			res.Error = err.Error()
		}
	}()

	res.Success = res.Error == ""
	res.DurationMs = time.Since(start).Milliseconds()

	e.mu.Lock()
	h.fired++
	h.lastTriggered = res.At
	if !res.Success {
		h.failed++
	}
	e.ring = append(e.ring, res)
	if len(e.ring) > ringSize {
		e.ring = e.ring[len(e.ring)-ringSize:]
	}
	e.mu.Unlock()

	if !res.Success {
		logger.WarnCF("hooks", "Hook failed", map[string]any{
			"hook": h.name, "event": tr.event, "error": res.Error,
		})
	}
	if e.broker != nil {
		e.broker.Publish(bus.EventHookFired, map[string]any{
			"hook":       h.name,
			"event":      tr.event,
			"success":    res.Success,
			"durationMs": res.DurationMs,
			"coalesced":  res.Coalesced,
		})
	}
}

// List returns the hook inventory in dispatch order.
func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.hooks))
	for _, h := range e.hooks {
		out = append(out, Snapshot{
			Name:          h.name,
			Event:         h.event,
			Enabled:       h.enabled,
			Command:       h.command,
			Cron:          h.cron,
			Builtin:       h.fn != nil,
			Fired:         h.fired,
			Failed:        h.failed,
			LastTriggered: h.lastTriggered,
		})
	}
	return out
}

// Recent returns the most recent invocation results, oldest first.
func (e *Engine) Recent() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.ring...)
}
