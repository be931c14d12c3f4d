package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/thinker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	frames chan Frame
}

func (r *fakeRecorder) Start(ctx context.Context) (<-chan Frame, error) { return r.frames, nil }

func (r *fakeRecorder) FrameDuration() time.Duration { return 20 * time.Millisecond }

func (r *fakeRecorder) SampleRate() int { return 16000 }

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (*Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Transcription{Text: f.text, Confidence: 0.9}, nil
}

func (f *fakeTranscriber) IsAvailable() bool { return true }

func (f *fakeTranscriber) setText(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

type fakeThinker struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  []string
}

func (f *fakeThinker) Think(ctx context.Context, transcript string, session thinker.SessionContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, transcript)
	return f.reply, f.err
}

type fakeSynth struct{}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	ch <- []byte(text)
	close(ch)
	return ch, nil
}

func (s *fakeSynth) IsAvailable() bool { return true }

type fakePlayer struct {
	mu      sync.Mutex
	data    []byte
	block   bool
	started chan struct{}
	lastErr error
}

func (p *fakePlayer) Play(ctx context.Context, chunks <-chan []byte) error {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if !p.block {
					return nil
				}
				<-ctx.Done()
				p.setErr(ctx.Err())
				return ctx.Err()
			}
			p.mu.Lock()
			p.data = append(p.data, chunk...)
			p.mu.Unlock()
		case <-ctx.Done():
			p.setErr(ctx.Err())
			return ctx.Err()
		}
	}
}

func (p *fakePlayer) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *fakePlayer) playedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *fakePlayer) played() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.data...)
}

type pipeFixture struct {
	p      *Pipeline
	frames chan Frame
	sub    *bus.Subscription
	player *fakePlayer
	stt    *fakeTranscriber
	think  *fakeThinker
}

func newPipeFixture(t *testing.T, mode string) *pipeFixture {
	t.Helper()
	broker := bus.NewBroker()
	fx := &pipeFixture{
		frames: make(chan Frame, 512),
		player: &fakePlayer{},
		stt:    &fakeTranscriber{text: "what is the time"},
		think:  &fakeThinker{reply: "the time is noon"},
	}
	fx.sub = broker.Subscribe("test", nil, 64)
	fx.p = NewPipeline(config.VoiceConfig{
		Mode:            mode,
		WakeWords:       config.FlexibleStringSlice{"helix"},
		WakeSensitivity: 0.5,
		VAD:             testVADConfig(),
	}, config.TimeoutsConfig{}, Deps{
		Recorder: &fakeRecorder{frames: fx.frames},
		Player:   fx.player,
		STT:      fx.stt,
		TTS:      &fakeSynth{},
		Thinker:  fx.think,
		Broker:   broker,
	})
	t.Cleanup(fx.p.Stop)
	return fx
}

// feedUtterance pushes 400ms of speech followed by enough silence to close
// the segment.
func (fx *pipeFixture) feedUtterance() {
	for i := 0; i < 20; i++ {
		fx.frames <- constFrame(8000)
	}
	for i := 0; i < 80; i++ {
		fx.frames <- constFrame(50)
	}
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, ok := sub.Next(ctx)
	require.True(t, ok, "timed out waiting for event")
	return evt
}

func expectState(t *testing.T, sub *bus.Subscription, state State) {
	t.Helper()
	evt := nextEvent(t, sub)
	require.Equal(t, bus.EventVoiceState, evt.Kind)
	assert.Equal(t, string(state), evt.Payload["state"])
}

func TestPipelineAlwaysOnTurn(t *testing.T) {
	fx := newPipeFixture(t, "always-on")
	require.NoError(t, fx.p.Start(context.Background()))
	expectState(t, fx.sub, StateListening)

	fx.feedUtterance()

	evt := nextEvent(t, fx.sub)
	assert.Equal(t, EventSpeechStart, evt.Kind)
	evt = nextEvent(t, fx.sub)
	assert.Equal(t, EventSpeechEnd, evt.Kind)

	expectState(t, fx.sub, StateProcessing)
	evt = nextEvent(t, fx.sub)
	require.Equal(t, bus.EventTranscript, evt.Kind)
	assert.Equal(t, "what is the time", evt.Payload["text"])

	expectState(t, fx.sub, StateThinking)
	expectState(t, fx.sub, StateSpeaking)
	expectState(t, fx.sub, StateListening)

	assert.Equal(t, []string{"what is the time"}, fx.think.seen)
	assert.Equal(t, []byte("the time is noon"), fx.player.played())

	stats := fx.p.Status().Stats
	assert.Equal(t, uint64(1), stats.Segments)
	assert.Equal(t, uint64(1), stats.Transcripts)
}

func TestPipelineWakeWordTurn(t *testing.T) {
	fx := newPipeFixture(t, "wake-word")
	fx.stt.setText("helix what is the time")
	require.NoError(t, fx.p.Start(context.Background()))
	assert.Equal(t, StateIdle, fx.p.Status().State)

	fx.feedUtterance()

	evt := nextEvent(t, fx.sub)
	require.Equal(t, EventWakeDetected, evt.Kind)
	expectState(t, fx.sub, StateListening)
	assert.Equal(t, EventSpeechStart, nextEvent(t, fx.sub).Kind)
	assert.Equal(t, EventSpeechEnd, nextEvent(t, fx.sub).Kind)
	expectState(t, fx.sub, StateProcessing)

	evt = nextEvent(t, fx.sub)
	require.Equal(t, bus.EventTranscript, evt.Kind)
	assert.Equal(t, "what is the time", evt.Payload["text"])

	expectState(t, fx.sub, StateThinking)
	expectState(t, fx.sub, StateSpeaking)
	expectState(t, fx.sub, StateIdle)

	// The command rode along in the wake utterance; the thinker sees it
	// without the wake phrase.
	assert.Equal(t, []string{"what is the time"}, fx.think.seen)
	assert.Equal(t, uint64(1), fx.p.Status().Stats.WakeDetections)
}

func TestPipelineWakeWordIgnoresOtherSpeech(t *testing.T) {
	fx := newPipeFixture(t, "wake-word")
	fx.stt.setText("just some background chatter")
	require.NoError(t, fx.p.Start(context.Background()))

	fx.feedUtterance()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, ok := fx.sub.Next(ctx)
	assert.False(t, ok, "no events expected without the wake word")
	assert.Equal(t, StateIdle, fx.p.Status().State)
}

func TestPipelinePushToTalk(t *testing.T) {
	fx := newPipeFixture(t, "push-to-talk")
	require.NoError(t, fx.p.Start(context.Background()))
	assert.Equal(t, StateIdle, fx.p.Status().State)

	require.NoError(t, fx.p.StartListening())
	expectState(t, fx.sub, StateListening)

	fx.feedUtterance()

	assert.Equal(t, EventSpeechStart, nextEvent(t, fx.sub).Kind)
	assert.Equal(t, EventSpeechEnd, nextEvent(t, fx.sub).Kind)
	expectState(t, fx.sub, StateProcessing)
	assert.Equal(t, bus.EventTranscript, nextEvent(t, fx.sub).Kind)
	expectState(t, fx.sub, StateThinking)
	expectState(t, fx.sub, StateSpeaking)
	expectState(t, fx.sub, StateIdle)
}

func TestPipelineInterruptDuringSpeech(t *testing.T) {
	fx := newPipeFixture(t, "always-on")
	fx.player.block = true
	fx.player.started = make(chan struct{}, 1)
	require.NoError(t, fx.p.Start(context.Background()))
	expectState(t, fx.sub, StateListening)

	fx.feedUtterance()

	for {
		evt := nextEvent(t, fx.sub)
		if evt.Kind == bus.EventVoiceState && evt.Payload["state"] == string(StateSpeaking) {
			break
		}
	}
	select {
	case <-fx.player.started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}

	fx.p.Interrupt()
	expectState(t, fx.sub, StateListening)
	assert.ErrorIs(t, fx.player.playedErr(), context.Canceled)
	assert.Equal(t, uint64(1), fx.p.Status().Stats.Interrupts)
}

func TestPipelineEmptyTranscript(t *testing.T) {
	fx := newPipeFixture(t, "always-on")
	fx.stt.setText("")
	require.NoError(t, fx.p.Start(context.Background()))
	expectState(t, fx.sub, StateListening)

	fx.feedUtterance()

	assert.Equal(t, EventSpeechStart, nextEvent(t, fx.sub).Kind)
	assert.Equal(t, EventSpeechEnd, nextEvent(t, fx.sub).Kind)
	expectState(t, fx.sub, StateProcessing)
	// Nothing to say: straight back to listening, no transcript event.
	expectState(t, fx.sub, StateListening)
	assert.Empty(t, fx.think.seen)
}

func TestPipelineThinkerError(t *testing.T) {
	fx := newPipeFixture(t, "always-on")
	fx.think.err = errors.New("provider exploded")
	require.NoError(t, fx.p.Start(context.Background()))
	expectState(t, fx.sub, StateListening)

	fx.feedUtterance()

	var sawError bool
	for i := 0; i < 10; i++ {
		evt := nextEvent(t, fx.sub)
		if evt.Kind == bus.EventVoiceError {
			sawError = true
			assert.Equal(t, "thinker", evt.Payload["stage"])
			break
		}
	}
	require.True(t, sawError)
	expectState(t, fx.sub, StateListening)
	assert.Equal(t, uint64(1), fx.p.Status().Stats.Errors)
}

func TestPipelineSetMode(t *testing.T) {
	fx := newPipeFixture(t, "off")
	require.NoError(t, fx.p.Start(context.Background()))

	err := fx.p.SetMode(context.Background(), "sideways")
	require.ErrorIs(t, err, ErrInvalidMode)

	require.NoError(t, fx.p.SetMode(context.Background(), "always-on"))
	assert.Equal(t, ModeAlwaysOn, fx.p.Status().Mode)

	require.NoError(t, fx.p.SetMode(context.Background(), "off"))
	assert.Equal(t, ModeOff, fx.p.Status().Mode)
	assert.Equal(t, StateIdle, fx.p.Status().State)
}

func TestPipelineSpeakDirect(t *testing.T) {
	fx := newPipeFixture(t, "off")
	require.NoError(t, fx.p.Start(context.Background()))

	require.NoError(t, fx.p.Speak(context.Background(), "hello there"))
	assert.Equal(t, []byte("hello there"), fx.player.played())
	assert.Equal(t, StateIdle, fx.p.Status().State)
}
