package channels

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, broker *bus.Broker) *devices.Gate {
	t.Helper()
	reg, err := devices.NewRegistry(filepath.Join(t.TempDir(), "devices.json"), broker, []string{"config.read"})
	require.NoError(t, err)
	return devices.NewGate(reg, devices.NewCodeStore(0), broker)
}

func TestAcceptOpenPolicy(t *testing.T) {
	b := NewBaseChannel("test", bus.NewMessageBus(0), config.PolicyOpen, nil, nil)
	ok, prompt := b.Accept("anyone")
	assert.True(t, ok)
	assert.Empty(t, prompt)

	// An unset policy behaves as open.
	b = NewBaseChannel("test", bus.NewMessageBus(0), "", nil, nil)
	ok, _ = b.Accept("anyone")
	assert.True(t, ok)
}

func TestAcceptAllowlist(t *testing.T) {
	b := NewBaseChannel("test", bus.NewMessageBus(0), config.PolicyAllowlist, []string{"100", "200"}, nil)

	ok, prompt := b.Accept("100")
	assert.True(t, ok)
	assert.Empty(t, prompt)

	// Rejections are silent: no prompt goes back to strangers.
	ok, prompt = b.Accept("300")
	assert.False(t, ok)
	assert.Empty(t, prompt)
}

func TestAcceptPairingFlow(t *testing.T) {
	broker := bus.NewBroker()
	sub := broker.Subscribe("test", []string{bus.EventPairRequested}, 8)
	gate := newTestGate(t, broker)
	b := NewBaseChannel("telegram", bus.NewMessageBus(0), config.PolicyPairing, nil, gate)

	ok, prompt := b.Accept("+15550001")
	require.False(t, ok)
	require.Contains(t, prompt, "helix pair approve telegram")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, got := sub.Next(ctx)
	require.True(t, got)
	assert.Equal(t, bus.EventPairRequested, evt.Kind)
	code := evt.Payload["code"].(string)
	require.Contains(t, prompt, code)

	// Repeat messages reuse the pending code and raise no second event.
	ok, prompt2 := b.Accept("+15550001")
	assert.False(t, ok)
	assert.Contains(t, prompt2, code)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, got = sub.Next(ctx2)
	assert.False(t, got)

	// Approval binds the sender; the next message passes.
	dev, err := gate.ApproveCode("telegram", code)
	require.NoError(t, err)
	require.NotNil(t, dev)

	ok, _ = b.Accept("+15550001")
	assert.True(t, ok)
}

func TestApproveCodeUnknown(t *testing.T) {
	gate := newTestGate(t, bus.NewBroker())
	_, err := gate.ApproveCode("telegram", "AAAAAAAA")
	assert.ErrorIs(t, err, devices.ErrUnknownCode)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))
	assert.Equal(t, []string{"no limit"}, splitMessage("no limit", 0))

	long := strings.Repeat("a", 250)
	chunks := splitMessage(long, 100)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, len(chunks[0]))
	assert.Equal(t, 50, len(chunks[2]))

	// Prefer a newline boundary when one falls in the back half.
	text := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 80)
	chunks = splitMessage(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("x", 80)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("y", 80), chunks[1])
}
