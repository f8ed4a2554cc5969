// Package microvm runs code in remotely provisioned micro-VMs. Requests with
// a room id reuse the room's pooled VM, so notebook cells see the variables
// left behind by earlier cells.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"codepair/internal/pool"
	"codepair/internal/sandbox"
)

const (
	// DefaultWorkDir is where sources are written inside the VM.
	DefaultWorkDir = "/tmp/codepair"

	// DefaultToolchainInstall installs g++ when the image lacks it.
	DefaultToolchainInstall = "command -v g++ >/dev/null 2>&1 || sudo dnf install -y gcc-c++"

	stopTimeout = 30 * time.Second
)

// errHung marks a VM that stopped answering within the run deadline.
var errHung = errors.New("vm did not answer before the run deadline")

// Config configures the micro-VM backend.
type Config struct {
	// Provisioner creates VMs. Required.
	Provisioner Provisioner

	// Pool holds warm VMs per room. Default: a pool over Provisioner.
	Pool *pool.Pool[VM]

	// WorkDir inside the VM. Default: DefaultWorkDir.
	WorkDir string

	// ToolchainInstall is a shell command run once per VM before the first
	// C++ build. Default: DefaultToolchainInstall.
	ToolchainInstall string

	// Timeout applies when the request carries none. Default: 10s.
	Timeout time.Duration

	// TimeoutOverhead is added to the run timeout for API latency before
	// the VM is considered hung. Default: 10s.
	TimeoutOverhead time.Duration
}

// Backend executes code in micro-VMs.
type Backend struct {
	prov     Provisioner
	pool     *pool.Pool[VM]
	layout   layout
	install  string
	timeout  time.Duration
	overhead time.Duration
}

// New creates a micro-VM backend.
func New(cfg Config) *Backend {
	p := cfg.Pool
	if p == nil && cfg.Provisioner != nil {
		p = pool.New[VM](cfg.Provisioner.Provision, pool.Config{})
	}
	dir := cfg.WorkDir
	if dir == "" {
		dir = DefaultWorkDir
	}
	install := cfg.ToolchainInstall
	if install == "" {
		install = DefaultToolchainInstall
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	overhead := cfg.TimeoutOverhead
	if overhead <= 0 {
		overhead = 10 * time.Second
	}
	return &Backend{
		prov:     cfg.Provisioner,
		pool:     p,
		layout:   layout{dir: dir},
		install:  install,
		timeout:  timeout,
		overhead: overhead,
	}
}

// Kind returns the backend kind identifier.
func (b *Backend) Kind() sandbox.Kind {
	return sandbox.KindMicroVM
}

// KeepsState reports that pooled runs share the room's VM.
func (b *Backend) KeepsState() bool {
	return true
}

// Pool exposes the warm VM pool.
func (b *Backend) Pool() *pool.Pool[VM] {
	return b.pool
}

// Execute runs req in an ephemeral VM, or in the room's pooled VM when the
// request names a room.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	if b.prov == nil {
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, ErrNotConfigured)
	}
	if _, err := sandbox.Spec(req.Language); err != nil {
		return sandbox.Result{}, err
	}
	if req.Cell && req.Language != sandbox.Python {
		return sandbox.Result{}, fmt.Errorf("%w: cells run python only", sandbox.ErrUnsupportedLanguage)
	}
	if req.Timeout <= 0 {
		req.Timeout = b.timeout
	}

	if req.Persistent() {
		return b.pooled(ctx, req)
	}
	return b.ephemeral(ctx, req)
}

func (b *Backend) ephemeral(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	vm, err := b.prov.Provision(ctx)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := vm.Stop(stopCtx); err != nil {
			log.Printf("microvm: stop ephemeral vm %s: %v", vm.ID(), err)
		}
	}()

	res, err := b.run(ctx, &pool.Entry[VM]{Handle: vm}, req)
	if errors.Is(err, errHung) {
		return sandbox.TimedOut(string(sandbox.KindMicroVM), "", "", req.Timeout), nil
	}
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	return res, nil
}

func (b *Backend) pooled(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	var (
		res  sandbox.Result
		hung bool
	)
	err := b.pool.Do(ctx, req.RoomID, func(ctx context.Context, e *pool.Entry[VM]) error {
		r, err := b.run(ctx, e, req)
		if errors.Is(err, errHung) {
			// A hung run is the program's verdict; retrying would run it twice.
			hung = true
			return nil
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err)
	}
	if hung {
		log.Printf("microvm: room %s: vm hung past deadline, evicting", req.RoomID)
		b.pool.Evict(ctx, req.RoomID)
		return sandbox.TimedOut(string(sandbox.KindMicroVM), "", "", req.Timeout), nil
	}
	return res, nil
}

// run executes req in e's VM, preparing the VM's warm state on first use.
func (b *Backend) run(ctx context.Context, e *pool.Entry[VM], req sandbox.Request) (sandbox.Result, error) {
	vm := e.Handle
	spec, err := sandbox.Spec(req.Language)
	if err != nil {
		return sandbox.Result{}, err
	}

	if req.Cell && !e.Initialized {
		if err := vm.WriteFile(ctx, b.layout.driver(), []byte(cellDriver)); err != nil {
			return sandbox.Result{}, err
		}
		e.Initialized = true
	}
	if len(spec.Compile) > 0 && !e.GppInstalled {
		res, err := vm.Run(ctx, Command{Name: "sh", Args: []string{"-c", b.install}, Dir: b.layout.dir})
		if err != nil {
			return sandbox.Result{}, err
		}
		if res.ExitCode != 0 {
			return sandbox.Result{}, fmt.Errorf("install toolchain: exit %d: %s", res.ExitCode, res.Stderr)
		}
		e.GppInstalled = true
	}

	var argv []string
	if req.Cell {
		if err := vm.WriteFile(ctx, b.layout.cell(), []byte(req.Code)); err != nil {
			return sandbox.Result{}, err
		}
		argv = []string{"python3", "-u", b.layout.driver(), b.layout.cell(), b.layout.namespace()}
	} else {
		if err := vm.WriteFile(ctx, b.layout.source(spec.Source), []byte(req.Code)); err != nil {
			return sandbox.Result{}, err
		}
		argv = []string{"sh", "-c", spec.Script()}
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout+b.overhead)
	defer cancel()

	cr, err := vm.Run(runCtx, Command{
		Name: "timeout",
		Args: append([]string{"-s", "KILL", seconds(req.Timeout)}, argv...),
		Dir:  b.layout.dir,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return sandbox.Result{}, errHung
		}
		return sandbox.Result{}, err
	}

	engine := string(sandbox.KindMicroVM)
	if cr.ExitCode == sandbox.ExitTimeout {
		return sandbox.TimedOut(engine, cr.Stdout, cr.Stderr, req.Timeout), nil
	}
	return sandbox.Result{
		Stdout:   cr.Stdout,
		Stderr:   cr.Stderr,
		ExitCode: cr.ExitCode,
		Engine:   engine,
	}, nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
