package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codepair/internal/sandbox"
)

const fakeDocker = `#!/bin/sh
case "$1" in
version) echo "27.0.1"; exit 0 ;;
kill) echo "$2" >> "$0.kills"; exit 0 ;;
run)
	shift
	case "$FAKE_DOCKER_MODE" in
	fail) echo "compile error" >&2; exit 2 ;;
	daemon) echo "Unable to find image" >&2; exit 125 ;;
	hang) echo partial; sleep 5; exit 0 ;;
	esac
	echo "$@"
	exit 0 ;;
esac
exit 1
`

func writeFakeDocker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte(fakeDocker), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBackend_Kind(t *testing.T) {
	if New(Config{}).Kind() != sandbox.KindContainer {
		t.Fatal("expected container kind")
	}
}

func TestBackend_EngineUnreachable(t *testing.T) {
	b := New(Config{DockerBinary: filepath.Join(t.TempDir(), "no-docker")})
	_, err := b.Execute(context.Background(), sandbox.Request{Code: "print(1)", Language: sandbox.Python})
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// The probe result is cached.
	if err := b.Ready(context.Background()); !errors.Is(err, ErrEngineNotReachable) {
		t.Fatalf("expected cached probe error, got %v", err)
	}
}

func TestBackend_RunArgs(t *testing.T) {
	t.Setenv("FAKE_DOCKER_MODE", "")
	b := New(Config{DockerBinary: writeFakeDocker(t), JobDir: t.TempDir(), Memory: "128m"})

	res, err := b.Execute(context.Background(), sandbox.Request{Code: "print(1)", Language: sandbox.Python})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, want := range []string{"--network none", "--memory 128m", "--read-only", ":/src:ro", "python:3.12-slim"} {
		if !strings.Contains(res.Stdout, want) {
			t.Errorf("expected docker args to contain %q, got %q", want, res.Stdout)
		}
	}
	if res.Engine != "container" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBackend_ProgramFailureIsResult(t *testing.T) {
	t.Setenv("FAKE_DOCKER_MODE", "fail")
	b := New(Config{DockerBinary: writeFakeDocker(t), JobDir: t.TempDir()})

	res, err := b.Execute(context.Background(), sandbox.Request{Code: "int main(", Language: sandbox.Cpp})
	if err != nil {
		t.Fatalf("expected program failure to be a result, got %v", err)
	}
	if res.ExitCode != 2 || !strings.Contains(res.Stderr, "compile error") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestBackend_DaemonErrorIsUnavailable(t *testing.T) {
	t.Setenv("FAKE_DOCKER_MODE", "daemon")
	b := New(Config{DockerBinary: writeFakeDocker(t), JobDir: t.TempDir()})

	_, err := b.Execute(context.Background(), sandbox.Request{Code: "echo", Language: sandbox.Shell})
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBackend_TimeoutKillsContainer(t *testing.T) {
	t.Setenv("FAKE_DOCKER_MODE", "hang")
	docker := writeFakeDocker(t)
	b := New(Config{DockerBinary: docker, JobDir: t.TempDir()})

	res, err := b.Execute(context.Background(), sandbox.Request{
		Code:     "while True: pass",
		Language: sandbox.Python,
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ExitCode != sandbox.ExitTimeout || res.Signal != sandbox.SignalKill {
		t.Errorf("expected timeout result, got %+v", res)
	}
	kills, err := os.ReadFile(docker + ".kills")
	if err != nil || !strings.HasPrefix(string(kills), "codepair-") {
		t.Errorf("expected docker kill for the container, got %q (%v)", kills, err)
	}
}
