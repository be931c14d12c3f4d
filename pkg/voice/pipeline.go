package voice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/thinker"
)

// State is the pipeline's current phase.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
)

// Mode selects how the pipeline is activated.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeWakeWord   Mode = "wake-word"
	ModePushToTalk Mode = "push-to-talk"
	ModeAlwaysOn   Mode = "always-on"
)

// Additional event kinds the pipeline publishes beyond the bus constants.
const (
	EventWakeDetected = "wake-word:detected"
	EventSpeechStart  = "speech:start"
	EventSpeechEnd    = "speech:end"
)

// ErrInvalidMode is returned by SetMode for a mode name outside the known set.
var ErrInvalidMode = errors.New("invalid voice mode")

// Stats counts pipeline activity since start.
type Stats struct {
	WakeDetections uint64 `json:"wake_detections"`
	Segments       uint64 `json:"segments"`
	Transcripts    uint64 `json:"transcripts"`
	Interrupts     uint64 `json:"interrupts"`
	Errors         uint64 `json:"errors"`
}

// Status is the voice.status view.
type Status struct {
	State State `json:"state"`
	Mode  Mode  `json:"mode"`
	Stats Stats `json:"stats"`
}

// Pipeline drives microphone → VAD → (wake gate) → STT → Thinker → TTS →
// speaker. One pipeline runs per process.
type Pipeline struct {
	recorder Recorder
	player   Player
	stt      Transcriber
	tts      Synthesizer
	think    thinker.Thinker
	broker   *bus.Broker
	wake     *WakeDetector

	vadCfg      config.VADConfig
	confirmTone bool
	autoStop    time.Duration
	sttTimeout  time.Duration

	mu          sync.Mutex
	state       State
	mode        Mode
	runCancel   context.CancelFunc
	speakCancel context.CancelFunc
	wg          sync.WaitGroup

	wakeDetections atomic.Uint64
	segments       atomic.Uint64
	transcripts    atomic.Uint64
	interrupts     atomic.Uint64
	errsTotal      atomic.Uint64
}

type Deps struct {
	Recorder Recorder
	Player   Player
	STT      Transcriber
	TTS      Synthesizer
	Thinker  thinker.Thinker
	Broker   *bus.Broker
}

func NewPipeline(cfg config.VoiceConfig, timeouts config.TimeoutsConfig, deps Deps) *Pipeline {
	autoStop := time.Duration(cfg.AutoStopSec) * time.Second
	if autoStop <= 0 {
		autoStop = 30 * time.Second
	}
	return &Pipeline{
		recorder:    deps.Recorder,
		player:      deps.Player,
		stt:         deps.STT,
		tts:         deps.TTS,
		think:       deps.Thinker,
		broker:      deps.Broker,
		wake:        NewWakeDetector(cfg.WakeWords, cfg.WakeSensitivity),
		vadCfg:      cfg.VAD,
		confirmTone: cfg.WakeConfirmTone,
		autoStop:    autoStop,
		sttTimeout:  time.Duration(timeouts.STTSec) * time.Second,
		state:       StateIdle,
		mode:        Mode(cfg.Mode),
	}
}

// Start launches the capture loop unless the mode is off.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == "" {
		p.mode = ModeOff
	}
	if p.mode == ModeOff {
		return nil
	}
	return p.startLoopLocked(ctx)
}

func (p *Pipeline) startLoopLocked(ctx context.Context) error {
	if p.runCancel != nil {
		return nil
	}
	if p.recorder == nil {
		return errors.New("no recorder configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	frames, err := p.recorder.Start(runCtx)
	if err != nil {
		cancel()
		return err
	}
	p.runCancel = cancel

	if p.mode == ModeAlwaysOn {
		p.setStateLocked(StateListening)
	}

	p.wg.Add(1)
	go p.run(runCtx, frames)
	return nil
}

// Stop cancels all in-flight work and settles the pipeline in idle.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.speakCancel != nil {
		p.speakCancel()
		p.speakCancel = nil
	}
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.setStateLocked(StateIdle)
	p.mu.Unlock()
}

// SetMode switches activation mode. Switching restarts the capture loop.
func (p *Pipeline) SetMode(ctx context.Context, mode string) error {
	m := Mode(mode)
	switch m {
	case ModeOff, ModeWakeWord, ModePushToTalk, ModeAlwaysOn:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	p.Stop()

	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	logger.InfoCF("voice", "Voice mode set", map[string]any{"mode": mode})

	if m == ModeOff {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLoopLocked(ctx)
}

// StartListening opens a capture window explicitly (push-to-talk).
func (p *Pipeline) StartListening() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCancel == nil {
		return errors.New("voice pipeline not running")
	}
	if p.state != StateIdle {
		return fmt.Errorf("cannot start listening from %s", p.state)
	}
	p.setStateLocked(StateListening)
	return nil
}

// Interrupt stops active playback. The state machine settles in listening
// (always-on) or idle.
func (p *Pipeline) Interrupt() {
	p.mu.Lock()
	cancel := p.speakCancel
	p.speakCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		p.interrupts.Add(1)
		cancel()
	}
}

// Speak synthesizes and plays text directly, outside the capture flow.
func (p *Pipeline) Speak(ctx context.Context, text string) error {
	if p.tts == nil || p.player == nil {
		return errors.New("no TTS output configured")
	}
	p.mu.Lock()
	if p.state != StateIdle && p.state != StateListening {
		p.mu.Unlock()
		return fmt.Errorf("pipeline busy (%s)", p.state)
	}
	resume := p.state
	p.setStateLocked(StateSpeaking)
	p.mu.Unlock()

	err := p.speak(ctx, text)

	p.mu.Lock()
	p.setStateLocked(resume)
	p.mu.Unlock()
	return err
}

// Status returns the current state, mode and counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	state, mode := p.state, p.mode
	p.mu.Unlock()
	return Status{
		State: state,
		Mode:  mode,
		Stats: Stats{
			WakeDetections: p.wakeDetections.Load(),
			Segments:       p.segments.Load(),
			Transcripts:    p.transcripts.Load(),
			Interrupts:     p.interrupts.Load(),
			Errors:         p.errsTotal.Load(),
		},
	}
}

// run is the capture loop: one VAD instance, frames in, segments out.
func (p *Pipeline) run(ctx context.Context, frames <-chan Frame) {
	defer p.wg.Done()

	vad := NewVAD(p.vadCfg)
	frameDur := p.recorder.FrameDuration()
	var listeningSince time.Time

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.mu.Lock()
			state, mode := p.state, p.mode
			p.mu.Unlock()

			switch state {
			case StateIdle:
				if mode != ModeWakeWord {
					continue
				}
				evt := vad.Process(frame, frameDur)
				if evt.Kind == VADSpeechEnd {
					p.handleWakeSegment(ctx, evt.Segment)
				}
			case StateListening:
				if listeningSince.IsZero() {
					listeningSince = time.Now()
				}
				evt := vad.Process(frame, frameDur)
				switch evt.Kind {
				case VADSpeechStart:
					p.publish(EventSpeechStart, nil)
				case VADSpeechEnd:
					listeningSince = time.Time{}
					p.publish(EventSpeechEnd, map[string]any{
						"durationMs": len(evt.Segment) * 1000 / p.recorder.SampleRate(),
					})
					p.handleSegment(ctx, evt.Segment)
				default:
					if !vad.Speaking() && time.Since(listeningSince) > p.autoStop {
						listeningSince = time.Time{}
						p.autoStopElapsed()
					}
				}
			default:
				// Wake detection and capture are silent while busy.
				listeningSince = time.Time{}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) autoStopElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeAlwaysOn {
		return
	}
	p.setStateLocked(StateIdle)
}

// handleWakeSegment transcribes an idle-state segment and gates on the wake
// phrase. Any trailing words become the command directly.
func (p *Pipeline) handleWakeSegment(ctx context.Context, segment Frame) {
	tr, err := p.transcribe(ctx, segment)
	if err != nil || tr.Text == "" {
		return
	}
	matched, rest := p.wake.Match(tr.Text)
	if !matched {
		return
	}
	p.wakeDetections.Add(1)
	p.publish(EventWakeDetected, map[string]any{"text": tr.Text})
	if p.confirmTone {
		p.playTone()
	}

	p.setState(StateListening)
	if rest == "" {
		return
	}

	// The wake utterance carried the command; skip the second capture.
	p.publish(EventSpeechStart, nil)
	p.publish(EventSpeechEnd, map[string]any{
		"durationMs": len(segment) * 1000 / p.recorder.SampleRate(),
	})
	p.setState(StateProcessing)
	p.transcripts.Add(1)
	p.publish(bus.EventTranscript, map[string]any{
		"text":       rest,
		"confidence": tr.Confidence,
	})
	p.respond(ctx, rest)
}

// handleSegment runs the STT → Thinker → TTS flow for one captured segment.
func (p *Pipeline) handleSegment(ctx context.Context, segment Frame) {
	p.segments.Add(1)
	p.setState(StateProcessing)

	tr, err := p.transcribe(ctx, segment)
	if err != nil {
		p.errsTotal.Add(1)
		p.publishError("stt", err)
		p.settle()
		return
	}
	if tr.Text == "" {
		p.settle()
		return
	}

	p.transcripts.Add(1)
	p.publish(bus.EventTranscript, map[string]any{
		"text":       tr.Text,
		"confidence": tr.Confidence,
	})
	p.respond(ctx, tr.Text)
}

// respond takes a final transcript through the Thinker and out the speaker.
func (p *Pipeline) respond(ctx context.Context, text string) {
	p.setState(StateThinking)

	reply, err := p.think.Think(ctx, text, thinker.SessionContext{SessionKey: "voice"})
	if err != nil {
		p.errsTotal.Add(1)
		p.publishError("thinker", err)
		p.settle()
		return
	}
	if reply == "" {
		p.settle()
		return
	}

	p.setState(StateSpeaking)
	if err := p.speak(ctx, reply); err != nil && !errors.Is(err, context.Canceled) {
		p.errsTotal.Add(1)
		p.publishError("tts", err)
	}
	p.settle()
}

func (p *Pipeline) speak(ctx context.Context, text string) error {
	speakCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.speakCancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.speakCancel = nil
		p.mu.Unlock()
	}()

	chunks, err := p.tts.Synthesize(speakCtx, text)
	if err != nil {
		return err
	}
	return p.player.Play(speakCtx, chunks)
}

func (p *Pipeline) transcribe(ctx context.Context, segment Frame) (*Transcription, error) {
	timeout := p.sttTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	sttCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.stt.Transcribe(sttCtx, segment, p.recorder.SampleRate())
}

// settle returns the pipeline to its mode's rest state.
func (p *Pipeline) settle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeAlwaysOn {
		p.setStateLocked(StateListening)
		return
	}
	p.setStateLocked(StateIdle)
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.setStateLocked(s)
	p.mu.Unlock()
}

func (p *Pipeline) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.broker != nil {
		p.broker.Publish(bus.EventVoiceState, map[string]any{"state": string(s)})
	}
}

func (p *Pipeline) publish(kind string, payload map[string]any) {
	if p.broker != nil {
		p.broker.Publish(kind, payload)
	}
}

func (p *Pipeline) publishError(stage string, err error) {
	logger.ErrorCF("voice", "Pipeline stage failed", map[string]any{"stage": stage, "error": err.Error()})
	if p.broker != nil {
		p.broker.PublishCritical(bus.EventVoiceError, map[string]any{
			"stage": stage,
			"error": err.Error(),
		})
	}
}

// playTone emits a short 880Hz confirmation beep through the player.
func (p *Pipeline) playTone() {
	if p.player == nil {
		return
	}
	rate := p.recorder.SampleRate()
	samples := make([]int16, rate*150/1000)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*880*float64(i)/float64(rate)))
	}
	chunks := make(chan []byte, 1)
	chunks <- encodeWAV(samples, rate)
	close(chunks)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.player.Play(ctx, chunks); err != nil {
		logger.DebugCF("voice", "Confirm tone playback failed", map[string]any{"error": err.Error()})
	}
}
