package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotConfigured is returned when no provisioning endpoint is set.
	ErrNotConfigured = errors.New("microvm provisioning API not configured")

	// ErrProvisionFailed is returned when the provider reports the VM as
	// failed or stopped before it became ready.
	ErrProvisionFailed = errors.New("microvm provisioning failed")

	// ErrNotReady is returned while a VM is still starting.
	ErrNotReady = errors.New("microvm not ready")
)

// VM statuses reported by the provisioning API.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusFailed  = "failed"
	StatusStopped = "stopped"
)

// Command is a process to start inside a VM.
type Command struct {
	Name string            `json:"cmd"`
	Args []string          `json:"args"`
	Dir  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// VM is a provisioned sandbox. Errors from its methods mean the VM itself
// misbehaved, never that the program inside it failed.
type VM interface {
	ID() string
	WriteFile(ctx context.Context, path string, content []byte) error
	Run(ctx context.Context, cmd Command) (CommandResult, error)
	Stop(ctx context.Context) error
}

// Provisioner hands out fresh VMs.
type Provisioner interface {
	Provision(ctx context.Context) (VM, error)
}

// ClientConfig configures the HTTP provisioning client.
type ClientConfig struct {
	// BaseURL of the provisioning API, e.g. https://sandbox.example.com.
	BaseURL string

	// Token is sent as a bearer token.
	Token string

	// Runtime names the VM image. Default: python3.13.
	Runtime string

	// SnapshotID starts VMs from a prepared snapshot when set.
	SnapshotID string

	// VMTimeout is the provider-side lifetime requested for each VM.
	// Default: 25m.
	VMTimeout time.Duration

	// ReadyTimeout bounds the wait for a VM to start. Default: 60s.
	ReadyTimeout time.Duration

	// HTTPClient is used for requests. Default: http.DefaultClient.
	HTTPClient *http.Client
}

// Client talks to a remote VM provisioning API:
//
//	POST   /v1/sandboxes                 create, returns {id, status}
//	GET    /v1/sandboxes/{id}            status
//	POST   /v1/sandboxes/{id}/files      write {path, content}; parents are created
//	POST   /v1/sandboxes/{id}/commands   run and wait, returns CommandResult
//	DELETE /v1/sandboxes/{id}            stop
type Client struct {
	baseURL      string
	token        string
	runtime      string
	snapshotID   string
	vmTimeout    time.Duration
	readyTimeout time.Duration
	http         *http.Client
}

// NewClient creates a provisioning client.
func NewClient(cfg ClientConfig) *Client {
	runtime := strings.TrimSpace(cfg.Runtime)
	if runtime == "" {
		runtime = "python3.13"
	}
	vmTimeout := cfg.VMTimeout
	if vmTimeout <= 0 {
		vmTimeout = 25 * time.Minute
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:        cfg.Token,
		runtime:      runtime,
		snapshotID:   cfg.SnapshotID,
		vmTimeout:    vmTimeout,
		readyTimeout: readyTimeout,
		http:         hc,
	}
}

type createRequest struct {
	Runtime    string `json:"runtime"`
	TimeoutMs  int64  `json:"timeoutMs"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

type vmStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Provision creates a VM and waits until it is running.
func (c *Client) Provision(ctx context.Context) (VM, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	var created vmStatus
	err := c.do(ctx, http.MethodPost, "/v1/sandboxes", createRequest{
		Runtime:    c.runtime,
		TimeoutMs:  c.vmTimeout.Milliseconds(),
		SnapshotID: c.snapshotID,
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: provider returned no vm id", ErrProvisionFailed)
	}

	v := &vm{client: c, id: created.ID}
	if created.Status == StatusRunning {
		return v, nil
	}

	if err := c.waitReady(ctx, created.ID); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v.Stop(stopCtx)
		return nil, err
	}
	return v, nil
}

func (c *Client) waitReady(ctx context.Context, id string) error {
	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.readyTimeout

	return backoff.Retry(func() error {
		var st vmStatus
		if err := c.do(readyCtx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(id), nil, &st); err != nil {
			return err
		}
		switch st.Status {
		case StatusRunning:
			return nil
		case StatusFailed, StatusStopped:
			return backoff.Permanent(fmt.Errorf("%w: vm %s is %s: %s", ErrProvisionFailed, id, st.Status, st.Error))
		}
		return ErrNotReady
	}, backoff.WithContext(bo, readyCtx))
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type vm struct {
	client *Client
	id     string
}

func (v *vm) ID() string { return v.id }

func (v *vm) path(suffix string) string {
	return "/v1/sandboxes/" + url.PathEscape(v.id) + suffix
}

func (v *vm) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := v.client.do(ctx, http.MethodPost, v.path("/files"), writeFileRequest{Path: path, Content: content}, nil); err != nil {
		return fmt.Errorf("write %s in vm %s: %w", path, v.id, err)
	}
	return nil
}

func (v *vm) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	var res CommandResult
	if err := v.client.do(ctx, http.MethodPost, v.path("/commands"), cmd, &res); err != nil {
		return CommandResult{}, fmt.Errorf("run %s in vm %s: %w", cmd.Name, v.id, err)
	}
	return res, nil
}

func (v *vm) Stop(ctx context.Context) error {
	if err := v.client.do(ctx, http.MethodDelete, v.path(""), nil, nil); err != nil {
		return fmt.Errorf("stop vm %s: %w", v.id, err)
	}
	return nil
}
