// Package judge submits code to a public Piston-compatible execution API. It
// is the free fallback when no local sandboxing is available and handles only
// whitelisted languages, never arbitrary shell commands.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"codepair/internal/sandbox"
)

// DefaultURL is the public Piston endpoint.
const DefaultURL = "https://emkc.org/api/v2/piston/execute"

var (
	// ErrRejected is returned for 4xx responses other than 429.
	ErrRejected = errors.New("judge rejected request")

	// ErrServiceUnavailable is returned after retries on 429/5xx are spent.
	ErrServiceUnavailable = errors.New("judge service unavailable")
)

// Runtime is a Piston language/version pair.
type Runtime struct {
	Language string
	Version  string
}

// DefaultRuntimes maps supported languages onto Piston runtimes.
var DefaultRuntimes = map[sandbox.Language]Runtime{
	sandbox.Python: {Language: "python", Version: "3.10.0"},
	sandbox.Cpp:    {Language: "c++", Version: "10.2.0"},
}

// Config configures the judge backend.
type Config struct {
	// URL of the execute endpoint. Default: DefaultURL.
	URL string

	// HTTPClient is used for requests. Default: a client without timeout;
	// every request carries the run deadline instead.
	HTTPClient *http.Client

	// Runtimes overrides the language mapping.
	Runtimes map[sandbox.Language]Runtime

	// MaxRetries bounds retries on 429/5xx and network errors. Default: 2.
	MaxRetries int

	// Timeout applies when the request carries none. Default: 10s.
	Timeout time.Duration

	// TimeoutOverhead is added to the run timeout for network latency.
	// Default: 5s.
	TimeoutOverhead time.Duration
}

// Backend executes code on a remote judge.
type Backend struct {
	url        string
	client     *http.Client
	runtimes   map[sandbox.Language]Runtime
	maxRetries int
	timeout    time.Duration
	overhead   time.Duration
}

// New creates a judge backend.
func New(cfg Config) *Backend {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	runtimes := cfg.Runtimes
	if runtimes == nil {
		runtimes = DefaultRuntimes
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	overhead := cfg.TimeoutOverhead
	if overhead <= 0 {
		overhead = 5 * time.Second
	}
	return &Backend{
		url:        url,
		client:     client,
		runtimes:   runtimes,
		maxRetries: retries,
		timeout:    timeout,
		overhead:   overhead,
	}
}

// Kind returns the backend kind identifier.
func (b *Backend) Kind() sandbox.Kind {
	return sandbox.KindJudge
}

type file struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type executeRequest struct {
	Language       string `json:"language"`
	Version        string `json:"version"`
	Files          []file `json:"files"`
	Stdin          string `json:"stdin"`
	RunTimeout     int64  `json:"run_timeout,omitempty"`
	CompileTimeout int64  `json:"compile_timeout,omitempty"`
}

type stage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
	Output string  `json:"output"`
}

type executeResponse struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Run      *stage `json:"run"`
	Compile  *stage `json:"compile"`
	Message  string `json:"message"`
}

// Execute submits req and waits for the verdict.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	rt, ok := b.runtimes[req.Language]
	if !ok {
		return sandbox.Result{}, fmt.Errorf("%w: judge does not run %s", sandbox.ErrUnsupportedLanguage, req.Language)
	}
	spec, err := sandbox.Spec(req.Language)
	if err != nil {
		return sandbox.Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	body, err := json.Marshal(executeRequest{
		Language:       rt.Language,
		Version:        rt.Version,
		Files:          []file{{Name: spec.Source, Content: req.Code}},
		RunTimeout:     timeout.Milliseconds(),
		CompileTimeout: timeout.Milliseconds(),
	})
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("marshal judge request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+b.overhead)
	defer cancel()

	var resp executeResponse
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(b.maxRetries)), reqCtx)
	err = backoff.Retry(func() error {
		return b.post(reqCtx, body, &resp)
	}, policy)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return sandbox.TimedOut(string(sandbox.KindJudge), "", "", timeout), nil
		}
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}

	return toResult(resp), nil
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// post performs one request. Errors that retrying cannot fix are wrapped as
// permanent.
func (b *Backend) post(ctx context.Context, body []byte, out *executeResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*sandbox.MaxOutputBytes))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode judge response: %w", err))
	}
	if out.Run == nil && out.Compile == nil {
		return backoff.Permanent(fmt.Errorf("%w: no run stage in response: %s", ErrRejected, out.Message))
	}
	return nil
}

func toResult(resp executeResponse) sandbox.Result {
	engine := string(sandbox.KindJudge)

	// A failed compile stage is the verdict; the run stage never happened.
	if c := resp.Compile; c != nil && c.Code != nil && *c.Code != 0 {
		return stageResult(c, engine)
	}
	if resp.Run == nil {
		return sandbox.Result{Engine: engine}
	}
	return stageResult(resp.Run, engine)
}

func stageResult(s *stage, engine string) sandbox.Result {
	r := sandbox.Result{
		Stdout: s.Stdout,
		Stderr: s.Stderr,
		Engine: engine,
	}
	if s.Signal != nil {
		r.Signal = *s.Signal
	}
	switch {
	case s.Code != nil:
		r.ExitCode = *s.Code
	case r.Signal == sandbox.SignalKill:
		r.ExitCode = sandbox.ExitTimeout
	case r.Signal != "":
		r.ExitCode = 1
	}
	return r
}
