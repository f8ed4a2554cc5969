// Package sandbox defines the execution backend contract and the orchestrator
// that walks the backend chain for each run request.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags a backend variant.
type Kind string

const (
	KindContainer Kind = "container"
	KindMicroVM   Kind = "microvm"
	KindJudge     Kind = "judge"
	KindLocal     Kind = "local"

	// EngineNone is reported when no backend could run the code.
	EngineNone = "none"
)

// Language is a source language accepted by the backends.
type Language string

const (
	Python Language = "python"
	Cpp    Language = "cpp"
	Shell  Language = "shell"
)

const (
	// ExitTimeout is the exit code reported when a run is killed on timeout.
	ExitTimeout = 137
	// ExitInfrastructure is the exit code reported when no backend ran.
	ExitInfrastructure = -1

	// SignalKill is reported alongside ExitTimeout.
	SignalKill = "SIGKILL"

	DefaultTimeout = 10 * time.Second
)

var (
	// ErrUnavailable means a backend could not start the run at all.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrUnsupportedLanguage means a backend does not handle the language.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Request is a single run request.
type Request struct {
	Code     string
	Language Language
	// RoomID selects pooled execution when set.
	RoomID string
	// Cell selects the namespace-persisting runner.
	Cell    bool
	Timeout time.Duration
}

// Persistent reports whether the request targets a pooled sandbox.
func (r Request) Persistent() bool {
	return r.RoomID != ""
}

// Result is what a backend produced. A non-zero ExitCode is a program
// failure, not a backend failure.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	Engine   string
}

// TimedOut returns the result reported when a run exceeds its deadline.
func TimedOut(engine, stdout, stderr string, timeout time.Duration) Result {
	if stderr != "" && stderr[len(stderr)-1] != '\n' {
		stderr += "\n"
	}
	stderr += fmt.Sprintf("execution timed out after %s", timeout)
	return Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: ExitTimeout,
		Signal:   SignalKill,
		Engine:   engine,
	}
}

// Backend runs code. Any returned error means the backend is unavailable for
// this request and the next backend should be tried.
type Backend interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) (Result, error)
}

// Stateful is implemented by backends that keep a room's sandbox warm
// between runs.
type Stateful interface {
	KeepsState() bool
}

func keepsState(b Backend) bool {
	s, ok := b.(Stateful)
	return ok && s.KeepsState()
}

// LanguageSpec describes how a language is laid out and started inside a
// sandbox working directory.
type LanguageSpec struct {
	Source  string
	Compile []string
	Run     []string
}

var languages = map[Language]LanguageSpec{
	Python: {
		Source: "main.py",
		Run:    []string{"python3", "-u", "main.py"},
	},
	Cpp: {
		Source:  "main.cpp",
		Compile: []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		Run:     []string{"./main"},
	},
	Shell: {
		Source: "main.sh",
		Run:    []string{"sh", "main.sh"},
	},
}

// Spec returns the layout for lang.
func Spec(lang Language) (LanguageSpec, error) {
	spec, ok := languages[lang]
	if !ok {
		return LanguageSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return spec, nil
}

// Script returns a POSIX shell script that compiles (when needed) and runs
// the program in the current directory. Compilation failures exit with the
// compiler's status.
func (s LanguageSpec) Script() string {
	run := shellJoin(s.Run)
	if len(s.Compile) == 0 {
		return "exec " + run
	}
	return shellJoin(s.Compile) + " || exit $?\nexec " + run
}

func shellJoin(args []string) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(ShellQuote(a))
	}
	return sb.String()
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	safe := s != ""
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' || r == '/' || r == '+' || r == '=') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			sb.WriteString(`'\''`)
		} else {
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}
