package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu        sync.Mutex
	running   bool
	failTimes int
	sent      []bus.OutboundMessage
	sentCh    chan struct{}
	maxLen    int
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return errors.New("connect refused")
	}
	f.running = true
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.sentCh != nil {
		f.sentCh <- struct{}{}
	}
	return nil
}

func (f *fakeChannel) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChannel) MaxMessageLength() int { return f.maxLen }

func (f *fakeChannel) sentMessages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sent...)
}

func newTestManager(t *testing.T, broker *bus.Broker, fake *fakeChannel) (*Manager, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus(0)
	m, err := NewManager(&config.Config{}, mb, broker, nil)
	require.NoError(t, err)
	m.backoffBase = time.Millisecond
	m.backoffCap = 4 * time.Millisecond
	m.RegisterChannel("fake", fake)
	return m, mb
}

func collectStatuses(t *testing.T, sub *bus.Subscription, until string) []string {
	t.Helper()
	var statuses []string
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		evt, ok := sub.Next(ctx)
		cancel()
		require.True(t, ok, "timed out waiting for channel:status, saw %v", statuses)
		status, _ := evt.Payload["status"].(string)
		statuses = append(statuses, status)
		if status == until {
			return statuses
		}
	}
}

func TestManagerSuperviseRetriesWithBackoff(t *testing.T) {
	broker := bus.NewBroker()
	sub := broker.Subscribe("test", []string{bus.EventChannelStatus}, 64)
	fake := &fakeChannel{failTimes: 3}
	m, _ := newTestManager(t, broker, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(context.Background())

	statuses := collectStatuses(t, sub, StatusRunning)

	// Two plain retries, then the third consecutive failure marks the
	// channel degraded, then the next attempt succeeds.
	joined := strings.Join(statuses, ",")
	assert.Contains(t, joined, StatusRetrying)
	assert.Contains(t, joined, StatusDegraded)
	assert.Equal(t, StatusRunning, statuses[len(statuses)-1])
	assert.True(t, fake.IsRunning())
}

func TestManagerStartsCleanChannelImmediately(t *testing.T) {
	broker := bus.NewBroker()
	sub := broker.Subscribe("test", []string{bus.EventChannelStatus}, 16)
	fake := &fakeChannel{}
	m, _ := newTestManager(t, broker, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(context.Background())

	statuses := collectStatuses(t, sub, StatusRunning)
	assert.Equal(t, []string{StatusStarting, StatusRunning}, statuses)
}

func TestManagerOutboundDispatchSplits(t *testing.T) {
	broker := bus.NewBroker()
	fake := &fakeChannel{maxLen: 100, sentCh: make(chan struct{}, 8)}
	m, mb := newTestManager(t, broker, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(context.Background())

	long := strings.Repeat("a", 250)
	require.True(t, mb.PublishOutbound(bus.OutboundMessage{
		Channel: "fake",
		ChatID:  "42",
		Content: long,
	}))

	for i := 0; i < 3; i++ {
		select {
		case <-fake.sentCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}

	sent := fake.sentMessages()
	require.Len(t, sent, 3)
	assert.Equal(t, "42", sent[0].ChatID)
	total := ""
	for _, msg := range sent {
		total += msg.Content
	}
	assert.Equal(t, long, total)
}

func TestManagerStatus(t *testing.T) {
	broker := bus.NewBroker()
	fake := &fakeChannel{}
	m, _ := newTestManager(t, broker, fake)

	status := m.GetStatus()
	entry, ok := status["fake"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, entry["running"])
	assert.Equal(t, StatusStopped, entry["status"])

	assert.Equal(t, []string{"fake"}, m.GetEnabledChannels())
}

func TestManagerSendToChannelUnknown(t *testing.T) {
	m, _ := newTestManager(t, bus.NewBroker(), &fakeChannel{})
	err := m.SendToChannel(context.Background(), "nope", "1", "hi")
	assert.Error(t, err)
}

func TestManagerStopAllWithConcurrentSenders(t *testing.T) {
	fake := &fakeChannel{}
	m, mb := newTestManager(t, bus.NewBroker(), fake)
	require.NoError(t, m.StartAll(context.Background()))

	// Hammer both send paths while shutdown races them; a closed queue
	// here would panic the senders.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = m.SendToChannel(context.Background(), "fake", "1", "hi")
				mb.PublishOutbound(bus.OutboundMessage{Channel: "fake", ChatID: "1", Content: "hi"})
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.StopAll(context.Background()))
	close(stop)
	wg.Wait()

	err := m.SendToChannel(context.Background(), "fake", "1", "late")
	require.ErrorContains(t, err, "stopped")
}
