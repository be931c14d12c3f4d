package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrAlreadyRunning is returned by Acquire when another live instance holds
// the PID file. The CLI maps it to its own exit code.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is the single-instance lock for the gateway process. A stale file
// left by a dead process is silently reclaimed.
type PIDFile struct {
	mu   sync.Mutex
	path string
}

func NewPIDFile(path string) *PIDFile {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return &PIDFile{path: path}
}

// Acquire records the current process in the PID file. It fails with
// ErrAlreadyRunning when the recorded process is still alive.
func (p *PIDFile) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pid, err := p.read(); err == nil && processAlive(pid) {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, p.path)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file. Idempotent.
func (p *PIDFile) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = os.Remove(p.path)
}

// Read returns the recorded pid, or 0 when no valid file exists.
func (p *PIDFile) Read() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid, err := p.read()
	if err != nil {
		return 0
	}
	return pid
}

// Running reports whether the recorded process is alive.
func (p *PIDFile) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid, err := p.read()
	return err == nil && processAlive(pid)
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", p.path, err)
	}
	return pid, nil
}

// processAlive probes the pid with signal 0, which checks existence without
// delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
