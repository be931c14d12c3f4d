package gateway

import (
	"context"
	"sync"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/hooks"
	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/thinker"
)

// ChatRouter drains inbound channel messages, runs them through the hook
// points and the thinker, and publishes the reply back to the adapter that
// delivered the message.
type ChatRouter struct {
	bus    *bus.MessageBus
	broker *bus.Broker
	think  thinker.Thinker
	hooks  *hooks.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChatRouter(messageBus *bus.MessageBus, broker *bus.Broker, think thinker.Thinker, hookEngine *hooks.Engine) *ChatRouter {
	return &ChatRouter{
		bus:    messageBus,
		broker: broker,
		think:  think,
		hooks:  hookEngine,
	}
}

func (r *ChatRouter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			msg, ok := r.bus.ConsumeInbound(runCtx)
			if !ok {
				return
			}
			r.handle(runCtx, msg)
		}
	}()
	logger.InfoC("chat", "Chat router started")
}

func (r *ChatRouter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *ChatRouter) handle(ctx context.Context, msg bus.InboundMessage) {
	meta := map[string]any{
		"channel": msg.Channel,
		"sender":  msg.SenderID,
		"chatId":  msg.ChatID,
	}
	if r.hooks != nil {
		r.hooks.Trigger("message:before", meta)
	}
	r.broker.Publish(bus.EventChatMessage, map[string]any{
		"channel": msg.Channel, "chatId": msg.ChatID, "direction": "in",
	})

	reply, err := r.think.Think(ctx, msg.Content, thinker.SessionContext{
		SessionKey: msg.SessionKey,
		Channel:    msg.Channel,
	})
	if err != nil {
		logger.ErrorCF("chat", "Thinker failed", map[string]any{
			"channel": msg.Channel, "session": msg.SessionKey, "error": err.Error(),
		})
		reply = "Sorry, I could not process that right now."
	}
	if reply == "" {
		return
	}

	if !r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	}) {
		logger.WarnCF("chat", "Outbound queue full, reply dropped", meta)
		return
	}

	if r.hooks != nil {
		r.hooks.Trigger("message:after", meta)
	}
	r.broker.Publish(bus.EventChatMessage, map[string]any{
		"channel": msg.Channel, "chatId": msg.ChatID, "direction": "out",
	})
}
