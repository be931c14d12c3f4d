package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/thinker"
)

type scriptedThinker struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  []thinker.SessionContext
}

func (s *scriptedThinker) Think(_ context.Context, _ string, session thinker.SessionContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, session)
	return s.reply, s.err
}

func newChatFixture(t *testing.T, think *scriptedThinker) (*bus.MessageBus, *bus.Broker) {
	t.Helper()
	messageBus := bus.NewMessageBus(time.Second)
	t.Cleanup(messageBus.Close)
	broker := bus.NewBroker()

	router := NewChatRouter(messageBus, broker, think, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	router.Start(ctx)
	t.Cleanup(router.Stop)
	return messageBus, broker
}

func TestChatRouterRoundTrip(t *testing.T) {
	think := &scriptedThinker{reply: "pong"}
	messageBus, broker := newChatFixture(t, think)

	events := broker.Subscribe("watch", []string{bus.EventChatMessage}, 16)
	defer broker.Unsubscribe("watch")

	require.True(t, messageBus.PublishInbound(bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   "42",
		ChatID:     "42",
		Content:    "ping",
		SessionKey: "telegram:42",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, ok := messageBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	require.Equal(t, "telegram", reply.Channel)
	require.Equal(t, "42", reply.ChatID)
	require.Equal(t, "pong", reply.Content)

	think.mu.Lock()
	require.Len(t, think.seen, 1)
	require.Equal(t, "telegram:42", think.seen[0].SessionKey)
	think.mu.Unlock()

	in, ok := events.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "in", in.Payload["direction"])
	out, ok := events.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "out", out.Payload["direction"])
}

func TestChatRouterThinkerFailure(t *testing.T) {
	think := &scriptedThinker{err: errors.New("provider down")}
	messageBus, _ := newChatFixture(t, think)

	require.True(t, messageBus.PublishInbound(bus.InboundMessage{
		Channel: "discord", ChatID: "c1", Content: "hi", SessionKey: "discord:c1",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, ok := messageBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	require.Contains(t, reply.Content, "Sorry")
}

func TestChatRouterDropsEmptyReply(t *testing.T) {
	think := &scriptedThinker{reply: ""}
	messageBus, _ := newChatFixture(t, think)

	require.True(t, messageBus.PublishInbound(bus.InboundMessage{
		Channel: "slack", ChatID: "c2", Content: "…", SessionKey: "slack:c2",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, ok := messageBus.SubscribeOutbound(ctx)
	require.False(t, ok, "empty reply must not be delivered")
}
