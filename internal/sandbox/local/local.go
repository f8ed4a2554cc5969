// Package local runs code directly on the host. It is a development
// fallback: the host offers no isolation, so hosted deployments leave it out
// of the chain.
package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codepair/internal/sandbox"
)

// Config configures the local backend.
type Config struct {
	// TempDir is where per-run directories are created. Default: os.TempDir().
	TempDir string

	// Timeout applies when the request carries none. Default: 10s.
	Timeout time.Duration

	// LookPath resolves interpreters; defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Backend runs programs as host subprocesses.
type Backend struct {
	tempDir  string
	timeout  time.Duration
	lookPath func(string) (string, error)
}

// New creates a local backend.
func New(cfg Config) *Backend {
	tempDir := strings.TrimSpace(cfg.TempDir)
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Backend{tempDir: tempDir, timeout: timeout, lookPath: lookPath}
}

// Kind returns the backend kind identifier.
func (b *Backend) Kind() sandbox.Kind {
	return sandbox.KindLocal
}

// Execute writes the source to a fresh directory and runs it with the host
// toolchain. The process group is killed when the timeout expires.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	spec, err := sandbox.Spec(req.Language)
	if err != nil {
		return sandbox.Result{}, err
	}

	// The interpreter (or compiler) must exist for the run to start at all.
	tool := spec.Run[0]
	if len(spec.Compile) > 0 {
		tool = spec.Compile[0]
	}
	if _, err := b.lookPath(tool); err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: %s not found on host", sandbox.ErrUnavailable, tool)
	}

	dir, err := os.MkdirTemp(b.tempDir, "codepair-run-")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: prepare run dir: %v", sandbox.ErrUnavailable, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("local: cleanup %s: %v", dir, err)
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, spec.Source), []byte(req.Code), 0o600); err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: write source: %v", sandbox.ErrUnavailable, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := sandbox.NewOutputBuffer(0)
	stderr := sandbox.NewOutputBuffer(0)

	cmd := exec.CommandContext(execCtx, "sh", "-c", spec.Script())
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "PYTHONDONTWRITEBYTECODE=1")
	setProcessGroup(cmd)
	cmd.WaitDelay = 500 * time.Millisecond

	err = cmd.Run()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return sandbox.TimedOut(string(sandbox.KindLocal), stdout.String(), stderr.String(), timeout), nil
	}

	result := sandbox.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Engine: string(sandbox.KindLocal),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return sandbox.Result{}, fmt.Errorf("%w: run: %v", sandbox.ErrUnavailable, err)
		}
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode < 0 {
			// Terminated by a signal.
			result.ExitCode = sandbox.ExitTimeout
			result.Signal = sandbox.SignalKill
		}
	}
	return result, nil
}
