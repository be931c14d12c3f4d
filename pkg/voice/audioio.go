package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/logger"
)

const frameDuration = 20 * time.Millisecond

// Recorder captures microphone PCM as fixed-duration frames.
type Recorder interface {
	// Start begins capture. The channel closes when the context ends or the
	// capture process exits.
	Start(ctx context.Context) (<-chan Frame, error)
	FrameDuration() time.Duration
	SampleRate() int
}

// Player streams audio chunks to the speaker.
type Player interface {
	// Play blocks until the chunk stream is drained or the context is
	// cancelled. Cancellation tears the underlying process down promptly.
	Play(ctx context.Context, chunks <-chan []byte) error
}

// CommandRecorder reads raw 16-bit mono PCM from a configured capture
// command's stdout (arecord, sox, ffmpeg and friends).
type CommandRecorder struct {
	cfg config.AudioIOConfig
}

func NewCommandRecorder(cfg config.AudioIOConfig) (*CommandRecorder, error) {
	if cfg.Command == "" {
		return nil, errors.New("recorder command not configured")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &CommandRecorder{cfg: cfg}, nil
}

func (r *CommandRecorder) FrameDuration() time.Duration { return frameDuration }
func (r *CommandRecorder) SampleRate() int              { return r.cfg.SampleRate }

func (r *CommandRecorder) Start(ctx context.Context) (<-chan Frame, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting recorder %q: %w", r.cfg.Command, err)
	}
	logger.InfoCF("voice", "Recorder started", map[string]any{
		"command": r.cfg.Command, "sample_rate": r.cfg.SampleRate,
	})

	frameBytes := r.cfg.SampleRate / int(time.Second/frameDuration) * 2
	frames := make(chan Frame, 8)
	go func() {
		defer close(frames)
		defer cmd.Wait()
		buf := make([]byte, frameBytes)
		for {
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if ctx.Err() == nil && err != io.EOF {
					logger.WarnCF("voice", "Recorder read failed", map[string]any{"error": err.Error()})
				}
				return
			}
			frame := bytesToFrame(buf)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// CommandPlayer pipes audio into a configured playback command's stdin
// (aplay, afplay via sox, ffplay).
type CommandPlayer struct {
	cfg config.AudioIOConfig
}

func NewCommandPlayer(cfg config.AudioIOConfig) (*CommandPlayer, error) {
	if cfg.Command == "" {
		return nil, errors.New("player command not configured")
	}
	return &CommandPlayer{cfg: cfg}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, chunks <-chan []byte) error {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting player %q: %w", p.cfg.Command, err)
	}

	writeErr := func() error {
		defer stdin.Close()
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return nil
				}
				if _, err := stdin.Write(chunk); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}()

	waitErr := cmd.Wait()
	if writeErr != nil {
		if errors.Is(writeErr, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("writing to player: %w", writeErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("player exited: %w", waitErr)
	}
	return nil
}
