// Package container runs each request in a disposable, network-isolated
// container through the docker CLI.
package container

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepair/internal/sandbox"
)

// exitDaemonError is docker's exit status when the container itself could
// not be created or started.
const exitDaemonError = 125

// ErrEngineNotReachable is returned when the readiness probe failed.
var ErrEngineNotReachable = errors.New("container engine not reachable")

// Config configures the container backend.
type Config struct {
	// DockerBinary is the CLI to invoke. Default: docker.
	DockerBinary string

	// Images maps a language to the image used to run it.
	Images map[sandbox.Language]string

	// CPUs is the --cpus ceiling. Default: 0.5.
	CPUs string

	// Memory is the --memory ceiling. Default: 256m.
	Memory string

	// PidsLimit bounds the process count. Default: 64.
	PidsLimit int

	// JobDir is where per-run source directories are created. It must be
	// visible to the docker daemon. Default: os.TempDir().
	JobDir string

	// Timeout applies when the request carries none. Default: 10s.
	Timeout time.Duration
}

// DefaultImages are used for languages without a configured image.
var DefaultImages = map[sandbox.Language]string{
	sandbox.Python: "python:3.12-slim",
	sandbox.Cpp:    "gcc:13",
	sandbox.Shell:  "alpine:3.20",
}

// Backend runs code in throwaway containers.
type Backend struct {
	dockerBin string
	images    map[sandbox.Language]string
	cpus      string
	memory    string
	pidsLimit int
	jobDir    string
	timeout   time.Duration

	probeOnce sync.Once
	probeErr  error
}

// New creates a container backend.
func New(cfg Config) *Backend {
	dockerBin := strings.TrimSpace(cfg.DockerBinary)
	if dockerBin == "" {
		dockerBin = "docker"
	}

	images := make(map[sandbox.Language]string, len(DefaultImages))
	for lang, img := range DefaultImages {
		images[lang] = img
	}
	for lang, img := range cfg.Images {
		if strings.TrimSpace(img) != "" {
			images[lang] = img
		}
	}

	cpus := strings.TrimSpace(cfg.CPUs)
	if cpus == "" {
		cpus = "0.5"
	}
	memory := strings.TrimSpace(cfg.Memory)
	if memory == "" {
		memory = "256m"
	}
	pids := cfg.PidsLimit
	if pids <= 0 {
		pids = 64
	}
	jobDir := strings.TrimSpace(cfg.JobDir)
	if jobDir == "" {
		jobDir = os.TempDir()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}

	return &Backend{
		dockerBin: dockerBin,
		images:    images,
		cpus:      cpus,
		memory:    memory,
		pidsLimit: pids,
		jobDir:    jobDir,
		timeout:   timeout,
	}
}

// Kind returns the backend kind identifier.
func (b *Backend) Kind() sandbox.Kind {
	return sandbox.KindContainer
}

// Ready probes the container engine once per process and caches the answer.
func (b *Backend) Ready(ctx context.Context) error {
	b.probeOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(probeCtx, b.dockerBin, "version", "--format", "{{.Server.Version}}").CombinedOutput()
		if err != nil {
			b.probeErr = fmt.Errorf("%w: %v: %s", ErrEngineNotReachable, err, strings.TrimSpace(string(out)))
			log.Printf("container: readiness probe failed: %v", b.probeErr)
			return
		}
		log.Printf("container: engine ready (server %s)", strings.TrimSpace(string(out)))
	})
	return b.probeErr
}

// Execute runs req in a fresh container with no network, a CPU and memory
// ceiling, and the source mounted read-only.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	if err := b.Ready(ctx); err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	spec, err := sandbox.Spec(req.Language)
	if err != nil {
		return sandbox.Result{}, err
	}
	image, ok := b.images[req.Language]
	if !ok {
		return sandbox.Result{}, fmt.Errorf("%w: no image for %s", sandbox.ErrUnsupportedLanguage, req.Language)
	}

	jobPath, err := os.MkdirTemp(b.jobDir, "codepair-job-")
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: prepare job dir: %v", sandbox.ErrUnavailable, err)
	}
	defer b.cleanup(jobPath)

	// The container user must be able to read the mounted source.
	if err := os.Chmod(jobPath, 0o755); err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: chmod job dir: %v", sandbox.ErrUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(jobPath, spec.Source), []byte(req.Code), 0o644); err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: write source: %v", sandbox.ErrUnavailable, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "codepair-" + uuid.New().String()
	args := b.runArgs(name, jobPath, image, spec)

	stdout := sandbox.NewOutputBuffer(0)
	stderr := sandbox.NewOutputBuffer(0)
	cmd := exec.CommandContext(execCtx, b.dockerBin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	err = cmd.Run()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		// Killing the CLI leaves the container running; kill it explicitly.
		b.kill(name)
		return sandbox.TimedOut(string(sandbox.KindContainer), stdout.String(), stderr.String(), timeout), nil
	}

	result := sandbox.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Engine: string(sandbox.KindContainer),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return sandbox.Result{}, fmt.Errorf("%w: docker run: %v", sandbox.ErrUnavailable, err)
		}
		if exitErr.ExitCode() == exitDaemonError {
			return sandbox.Result{}, fmt.Errorf("%w: docker could not start container: %s", sandbox.ErrUnavailable, strings.TrimSpace(result.Stderr))
		}
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode == sandbox.ExitTimeout {
			result.Signal = sandbox.SignalKill
		}
	}
	return result, nil
}

// runArgs builds the docker run invocation. The source directory is mounted
// read-only at /src and copied into a writable tmpfs so compilers can emit
// binaries.
func (b *Backend) runArgs(name, jobPath, image string, spec sandbox.LanguageSpec) []string {
	script := "cp /src/" + sandbox.ShellQuote(spec.Source) + " /work/ && cd /work && " + spec.Script()
	return []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", "none",
		"--cpus", b.cpus,
		"--memory", b.memory,
		"--memory-swap", b.memory,
		"--pids-limit", fmt.Sprintf("%d", b.pidsLimit),
		"--read-only",
		"--tmpfs", "/work:rw,exec,size=64m",
		"--tmpfs", "/tmp:rw,size=16m",
		"--security-opt", "no-new-privileges",
		"--user", "65534:65534",
		"-e", "HOME=/work",
		"-v", jobPath + ":/src:ro",
		"-w", "/work",
		image,
		"sh", "-c", script,
	}
}

func (b *Backend) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, b.dockerBin, "kill", name).CombinedOutput(); err != nil {
		log.Printf("container: kill %s: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
}

func (b *Backend) cleanup(path string) {
	if err := os.RemoveAll(path); err != nil {
		log.Printf("container: cleanup %s: %v", path, err)
	}
}
