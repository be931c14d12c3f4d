package channels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

// sendPromptTimeout bounds pairing-prompt replies sent outside a request
// context.
const sendPromptTimeout = 10 * time.Second

// Channel is one messaging surface (Telegram, Discord, ...). Start is
// non-blocking; adapters run their receive loops in the background.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// MessageLengthProvider lets an adapter declare its platform's message cap
// so the manager splits long replies before sending.
type MessageLengthProvider interface {
	MaxMessageLength() int
}

// Factory builds a channel from configuration.
type Factory func(cfg *config.Config, b *bus.MessageBus, gate *devices.Gate) (Channel, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

func getFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// BaseChannel carries the pieces every adapter shares: the bus, the access
// policy and the running flag.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	policy  config.ChannelPolicy
	allow   []string
	gate    *devices.Gate
	running atomic.Bool
}

func NewBaseChannel(name string, b *bus.MessageBus, policy config.ChannelPolicy, allowFrom []string, gate *devices.Gate) *BaseChannel {
	return &BaseChannel{
		name:   name,
		bus:    b,
		policy: policy,
		allow:  allowFrom,
		gate:   gate,
	}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

func (b *BaseChannel) setRunning(running bool) { b.running.Store(running) }

// Accept applies the channel policy to an inbound sender before anything
// reaches the bus. A non-empty prompt should be sent back to the sender
// (the pairing instructions); rejected senders with an empty prompt are
// dropped silently.
func (b *BaseChannel) Accept(sender string) (ok bool, prompt string) {
	switch b.policy {
	case config.PolicyOpen, "":
		return true, ""
	case config.PolicyAllowlist:
		for _, allowed := range b.allow {
			if allowed == sender {
				return true, ""
			}
		}
		logger.DebugCF(b.name, "Sender rejected by allowlist", map[string]any{
			"sender": sender,
		})
		return false, ""
	case config.PolicyPairing:
		if b.gate == nil {
			return false, ""
		}
		if b.gate.SenderApproved(b.name, sender) {
			return true, ""
		}
		code, err := b.gate.IssueCode(b.name, sender)
		if err != nil {
			logger.ErrorCF(b.name, "Failed to issue pairing code", map[string]any{
				"sender": sender,
				"error":  err.Error(),
			})
			return false, ""
		}
		return false, fmt.Sprintf(
			"Pairing required. Your code: %s\nApprove with: helix pair approve %s %s",
			code, b.name, code)
	default:
		logger.WarnCF(b.name, "Unknown channel policy, dropping message", map[string]any{
			"policy": string(b.policy),
		})
		return false, ""
	}
}

// publishInbound pushes an authorized message onto the bus.
func (b *BaseChannel) publishInbound(msg bus.InboundMessage) {
	if !b.bus.PublishInbound(msg) {
		logger.WarnCF(b.name, "Inbound queue full, message dropped", map[string]any{
			"sender": msg.SenderID,
		})
	}
}

// splitMessage cuts content into chunks of at most maxLen runes, preferring
// newline boundaries.
func splitMessage(content string, maxLen int) []string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return []string{content}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
