package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrEmptyPayload = errors.New("empty payload")
	ErrUnknownType  = errors.New("unknown message type")
)

// ParseFrame validates a raw binary message from a client. Only the tag is
// inspected; the payload is handed on untouched.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	t := MessageType(raw[0])
	if t > TypeAwareness {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, raw[0])
	}

	if len(raw) == 1 {
		return Frame{}, fmt.Errorf("%w for %s", ErrEmptyPayload, t)
	}

	return Frame{Type: t, Payload: raw[1:]}, nil
}

// validLanguages is the set of languages a run request may name.
var validLanguages = map[string]bool{
	"python": true,
	"cpp":    true,
	"shell":  true,
}

// NormalizeLanguage maps common aliases onto the canonical language names.
func NormalizeLanguage(lang string) string {
	switch l := strings.ToLower(strings.TrimSpace(lang)); l {
	case "", "py", "python3":
		return "python"
	case "c++", "cc", "cxx", "g++":
		return "cpp"
	case "sh", "bash":
		return "shell"
	default:
		return l
	}
}

// ValidateRunRequest normalizes and checks a run request in place.
func ValidateRunRequest(req *RunRequest) error {
	if req.Terminal {
		if strings.TrimSpace(req.Command) == "" {
			return fmt.Errorf("terminal run requires a command")
		}
		req.Language = "shell"
		req.Cell = false
		return nil
	}
	req.Language = NormalizeLanguage(req.Language)
	if !validLanguages[req.Language] {
		return fmt.Errorf("unsupported language: %s", req.Language)
	}
	if req.Surface == "" {
		req.Surface = SurfaceCode
	}
	if req.Surface == SurfaceHistory {
		return fmt.Errorf("surface %q cannot be run", req.Surface)
	}
	if req.Cell && req.Language != "python" {
		return fmt.Errorf("cell execution requires python, got %s", req.Language)
	}
	return nil
}

// ValidLanguage reports whether lang (already normalized) can be executed.
func ValidLanguage(lang string) bool {
	return validLanguages[lang]
}

// ValidateExecuteRequest normalizes and checks an execute request in place.
func ValidateExecuteRequest(req *ExecuteRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("no code provided")
	}
	req.Language = NormalizeLanguage(req.Language)
	if !validLanguages[req.Language] {
		return fmt.Errorf("unsupported language: %s", req.Language)
	}
	if req.Cell && req.Language != "python" {
		return fmt.Errorf("cell execution requires python, got %s", req.Language)
	}
	return nil
}
