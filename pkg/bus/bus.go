package bus

import (
	"context"
	"sync"
	"time"
)

// MessageBus carries user messages between channel adapters and the agent
// core. Both directions are bounded; PublishInbound applies a deadline so a
// stalled consumer surfaces as an error at the adapter instead of a hang.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	handlers map[string]MessageHandler
	enqueue  time.Duration
	closed   bool
	mu       sync.RWMutex
}

func NewMessageBus(enqueueTimeout time.Duration) *MessageBus {
	if enqueueTimeout <= 0 {
		enqueueTimeout = 2 * time.Second
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 100),
		handlers: make(map[string]MessageHandler),
		enqueue:  enqueueTimeout,
	}
}

// PublishInbound enqueues a message. Returns false when the bus is closed or
// the queue stays full past the enqueue deadline.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}

	timer := time.NewTimer(mb.enqueue)
	defer timer.Stop()
	select {
	case mb.inbound <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// ConsumeInbound returns the next inbound message and whether the read
// succeeded. The bool is false when the context is cancelled or the bus closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}

	timer := time.NewTimer(mb.enqueue)
	defer timer.Stop()
	select {
	case mb.outbound <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// SubscribeOutbound returns the next outbound message and whether the read
// succeeded.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}
