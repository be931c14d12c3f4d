package voice

import (
	"sort"
	"time"

	"github.com/helixlabs/helix/pkg/config"
)

const adaptWindowFrames = 50

// VADEventKind marks what a processed frame changed.
type VADEventKind int

const (
	VADNone VADEventKind = iota
	VADSpeechStart
	VADSpeechEnd
)

// VADEvent carries the finished segment on VADSpeechEnd.
type VADEvent struct {
	Kind    VADEventKind
	Segment Frame
}

// VAD is an energy detector with hysteresis on both edges. The threshold
// adapts to ambient noise: during silence the 20th percentile of the last 50
// frame energies, doubled, becomes the floor, clamped above the configured
// static threshold. Adaptation freezes while speech is active.
type VAD struct {
	static         float64
	speechConfirm  time.Duration
	silenceConfirm time.Duration
	minSpeech      time.Duration

	window    []float64
	threshold float64

	speaking      bool
	voicedRun     time.Duration
	silentRun     time.Duration
	speechElapsed time.Duration

	segment []int16
	preroll []int16
}

func NewVAD(cfg config.VADConfig) *VAD {
	static := cfg.EnergyThreshold
	if static <= 0 {
		static = 0.012
	}
	v := &VAD{
		static:         static,
		speechConfirm:  msOrDefault(cfg.SpeechConfirmMs, 100),
		silenceConfirm: msOrDefault(cfg.SilenceConfirmMs, 1500),
		minSpeech:      msOrDefault(cfg.MinSpeechMs, 250),
		threshold:      static,
	}
	return v
}

func msOrDefault(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Threshold returns the current adaptive threshold.
func (v *VAD) Threshold() float64 { return v.threshold }

// Speaking reports whether a speech segment is open.
func (v *VAD) Speaking() bool { return v.speaking }

// Process consumes one frame of frameDur audio and advances the detector.
func (v *VAD) Process(frame Frame, frameDur time.Duration) VADEvent {
	energy := rms(frame)
	voiced := energy >= v.threshold

	if !v.speaking {
		v.adapt(energy)

		// Keep a confirm window of audio so the leading edge of speech is
		// not lost to hysteresis.
		v.preroll = append(v.preroll, frame...)
		if max := int(v.speechConfirm/frameDur+1) * len(frame); len(v.preroll) > max && max > 0 {
			v.preroll = v.preroll[len(v.preroll)-max:]
		}

		if !voiced {
			v.voicedRun = 0
			return VADEvent{Kind: VADNone}
		}
		v.voicedRun += frameDur
		if v.voicedRun < v.speechConfirm {
			return VADEvent{Kind: VADNone}
		}

		v.speaking = true
		v.voicedRun = 0
		v.silentRun = 0
		v.speechElapsed = v.speechConfirm
		v.segment = append([]int16(nil), v.preroll...)
		v.preroll = nil
		return VADEvent{Kind: VADSpeechStart}
	}

	v.segment = append(v.segment, frame...)
	v.speechElapsed += frameDur

	if voiced {
		v.silentRun = 0
		return VADEvent{Kind: VADNone}
	}

	v.silentRun += frameDur
	if v.silentRun < v.silenceConfirm {
		return VADEvent{Kind: VADNone}
	}

	segment := v.segment
	spoken := v.speechElapsed - v.silentRun
	v.reset()

	if spoken < v.minSpeech {
		// Too short to be speech; drop silently.
		return VADEvent{Kind: VADNone}
	}
	return VADEvent{Kind: VADSpeechEnd, Segment: segment}
}

// Flush ends an open segment, used on stop and auto-stop. Short segments
// are still discarded.
func (v *VAD) Flush() VADEvent {
	if !v.speaking {
		return VADEvent{Kind: VADNone}
	}
	segment := v.segment
	spoken := v.speechElapsed - v.silentRun
	v.reset()
	if spoken < v.minSpeech {
		return VADEvent{Kind: VADNone}
	}
	return VADEvent{Kind: VADSpeechEnd, Segment: segment}
}

func (v *VAD) reset() {
	v.speaking = false
	v.segment = nil
	v.voicedRun = 0
	v.silentRun = 0
	v.speechElapsed = 0
}

func (v *VAD) adapt(energy float64) {
	v.window = append(v.window, energy)
	if len(v.window) > adaptWindowFrames {
		v.window = v.window[len(v.window)-adaptWindowFrames:]
	}
	if len(v.window) < adaptWindowFrames {
		return
	}

	sorted := append([]float64(nil), v.window...)
	sort.Float64s(sorted)
	floor := sorted[len(sorted)/5] * 2
	if floor < v.static {
		floor = v.static
	}
	v.threshold = floor
}
