package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

const maxCapturedOutput = 4096

type commandRunner func(ctx context.Context, h *hook, tr *trigger) (string, error)

// runCommand executes an external hook through the shell. The hook receives
// the event envelope on stdin; the per-hook config rides along under
// "config". Deadline expiry kills the process.
func runCommand(ctx context.Context, h *hook, tr *trigger) (string, error) {
	envelope := map[string]any{
		"event":   tr.event,
		"payload": tr.payload,
	}
	if len(h.config) > 0 {
		envelope["config"] = h.config
	}
	stdin, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encoding hook envelope: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(stdin)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	output := strings.TrimSpace(out.String())
	if len(output) > maxCapturedOutput {
		output = output[:maxCapturedOutput]
	}

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("hook command timed out after %s", h.timeout)
	}
	if err != nil {
		return output, fmt.Errorf("hook command failed: %w", err)
	}
	return output, nil
}
