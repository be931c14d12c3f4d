package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBusRoundTrip(t *testing.T) {
	mb := NewMessageBus(time.Second)
	defer mb.Close()

	if ok := mb.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"}); !ok {
		t.Fatal("publish failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Errorf("consume: ok=%v msg=%+v", ok, msg)
	}
}

func TestMessageBusEnqueueTimeout(t *testing.T) {
	mb := NewMessageBus(20 * time.Millisecond)
	defer mb.Close()

	for i := 0; i < 100; i++ {
		if !mb.PublishInbound(InboundMessage{Content: "fill"}) {
			t.Fatalf("fill publish %d failed", i)
		}
	}
	if mb.PublishInbound(InboundMessage{Content: "overflow"}) {
		t.Error("publish into a full queue with no consumer should fail")
	}
}

func TestMessageBusClosedPublish(t *testing.T) {
	mb := NewMessageBus(time.Second)
	mb.Close()
	if mb.PublishInbound(InboundMessage{}) {
		t.Error("publish after close should fail")
	}
	if mb.PublishOutbound(OutboundMessage{}) {
		t.Error("outbound publish after close should fail")
	}
}

func TestMessageBusHandlers(t *testing.T) {
	mb := NewMessageBus(time.Second)
	defer mb.Close()

	mb.RegisterHandler("discord", func(InboundMessage) error { return nil })
	if _, ok := mb.GetHandler("discord"); !ok {
		t.Error("registered handler not found")
	}
	if _, ok := mb.GetHandler("slack"); ok {
		t.Error("unexpected handler")
	}
}
