package channels

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const (
	defaultChannelQueueSize = 100
	backoffBase             = time.Second
	backoffCap              = 60 * time.Second
	degradedAfter           = 3
)

// Channel lifecycle statuses surfaced through channel:status events.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusRetrying = "retrying"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

type channelWorker struct {
	ch       Channel
	queue    chan bus.OutboundMessage
	stop     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	status   string
	failures int
}

func (w *channelWorker) setStatus(status string, failures int) {
	w.mu.Lock()
	w.status = status
	w.failures = failures
	w.mu.Unlock()
}

func (w *channelWorker) snapshot() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.failures
}

// Manager owns the enabled channel adapters: it supervises their start with
// exponential backoff, routes outbound bus traffic to per-channel workers
// and reports lifecycle through channel:status events.
type Manager struct {
	channels map[string]Channel
	workers  map[string]*channelWorker
	bus      *bus.MessageBus
	broker   *bus.Broker
	config   *config.Config
	gate     *devices.Gate
	cancel   context.CancelFunc
	mu       sync.RWMutex

	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus, broker *bus.Broker, gate *devices.Gate) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		workers:  make(map[string]*channelWorker),
		bus:      messageBus,
		broker:   broker,
		config:   cfg,
		gate:     gate,

		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
	m.initChannels()
	return m, nil
}

// RegisterChannel adds a channel outside the config-driven set.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	m.workers[name] = &channelWorker{
		ch:     channel,
		queue:  make(chan bus.OutboundMessage, defaultChannelQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		status: StatusStopped,
	}
}

func (m *Manager) initChannel(name, displayName string) {
	f, ok := getFactory(name)
	if !ok {
		logger.WarnCF("channels", "Factory not registered", map[string]any{
			"channel": displayName,
		})
		return
	}
	ch, err := f(m.config, m.bus, m.gate)
	if err != nil {
		logger.ErrorCF("channels", "Failed to initialize channel", map[string]any{
			"channel": displayName,
			"error":   err.Error(),
		})
		return
	}
	m.channels[name] = ch
	m.workers[name] = &channelWorker{
		ch:     ch,
		queue:  make(chan bus.OutboundMessage, defaultChannelQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		status: StatusStopped,
	}
	logger.InfoCF("channels", "Channel enabled", map[string]any{
		"channel": displayName,
	})
}

func (m *Manager) initChannels() {
	logger.InfoC("channels", "Initializing channel manager")

	ch := m.config.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		m.initChannel("telegram", "Telegram")
	}
	if ch.Discord.Enabled && ch.Discord.Token != "" {
		m.initChannel("discord", "Discord")
	}
	if ch.Slack.Enabled && ch.Slack.BotToken != "" && ch.Slack.AppToken != "" {
		m.initChannel("slack", "Slack")
	}
	if ch.WhatsApp.Enabled {
		m.initChannel("whatsapp", "WhatsApp")
	}
	if ch.Signal.Enabled && ch.Signal.Account != "" {
		m.initChannel("signal", "Signal")
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]any{
		"enabled_channels": len(m.channels),
	})
}

// StartAll launches a supervisor per channel plus the outbound dispatcher.
// Start failures are retried with exponential backoff; a channel that keeps
// failing is reported degraded but never abandoned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for name, w := range m.workers {
		go m.supervise(runCtx, name, w)
		go m.runWorker(runCtx, name, w)
	}
	go m.dispatchOutbound(runCtx)

	logger.InfoC("channels", "All channels started")
	return nil
}

// supervise retries Start until it succeeds or the context ends.
func (m *Manager) supervise(ctx context.Context, name string, w *channelWorker) {
	backoff := m.backoffBase
	failures := 0

	for {
		m.publishStatus(name, w, StatusStarting, failures)
		err := w.ch.Start(ctx)
		if err == nil {
			m.publishStatus(name, w, StatusRunning, 0)
			return
		}

		failures++
		status := StatusRetrying
		if failures >= degradedAfter {
			status = StatusDegraded
		}
		logger.ErrorCF("channels", "Channel start failed", map[string]any{
			"channel":  name,
			"error":    err.Error(),
			"failures": failures,
			"retry_in": backoff.String(),
		})
		m.publishStatus(name, w, status, failures)

		// Half the backoff is jitter so restarts do not line up.
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; backoff > m.backoffCap {
			backoff = m.backoffCap
		}
	}
}

func (m *Manager) publishStatus(name string, w *channelWorker, status string, failures int) {
	w.setStatus(status, failures)
	if m.broker == nil {
		return
	}
	payload := map[string]any{
		"channel": name,
		"status":  status,
	}
	if failures > 0 {
		payload["failures"] = failures
	}
	m.broker.Publish(bus.EventChannelStatus, payload)
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	// The queue channels stay open: closing them would race with
	// dispatchOutbound and SendToChannel, which may still be sending.
	// Senders and workers all watch the stop channel instead.
	for _, w := range m.workers {
		close(w.stop)
	}
	for _, w := range m.workers {
		<-w.done
	}

	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
		if w, ok := m.workers[name]; ok {
			m.publishStatus(name, w, StatusStopped, 0)
		}
	}
	return nil
}

// runWorker delivers outbound messages for one channel, splitting those
// that exceed the platform cap. On stop it drains what is already queued
// before exiting.
func (m *Manager) runWorker(ctx context.Context, name string, w *channelWorker) {
	defer close(w.done)
	for {
		select {
		case msg := <-w.queue:
			m.deliver(ctx, name, w, msg)
		case <-w.stop:
			for {
				select {
				case msg := <-w.queue:
					m.deliver(ctx, name, w, msg)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) deliver(ctx context.Context, name string, w *channelWorker, msg bus.OutboundMessage) {
	maxLen := 0
	if mlp, ok := w.ch.(MessageLengthProvider); ok {
		maxLen = mlp.MaxMessageLength()
	}
	for _, chunk := range splitMessage(msg.Content, maxLen) {
		chunkMsg := msg
		chunkMsg.Content = chunk
		if err := w.ch.Send(ctx, chunkMsg); err != nil {
			logger.ErrorCF("channels", "Error sending message", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.mu.RLock()
		w, exists := m.workers[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]any{
				"channel": msg.Channel,
			})
			continue
		}

		select {
		case w.queue <- msg:
		case <-w.stop:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus reports per-channel lifecycle for node.describe and the CLI.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any)
	for name, w := range m.workers {
		st, failures := w.snapshot()
		entry := map[string]any{
			"running": w.ch.IsRunning(),
			"status":  st,
		}
		if failures > 0 {
			entry["failures"] = failures
		}
		status[name] = entry
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// SendToChannel queues a direct message, bypassing the bus.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	w, exists := m.workers[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	msg := bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	}
	select {
	case w.queue <- msg:
		return nil
	case <-w.stop:
		return fmt.Errorf("channel %s stopped", channelName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
