package microvm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codepair/internal/sandbox"
)

// fakeVM records commands. With exec set it runs them on the host, rooted in
// a temp dir; otherwise it answers with reply.
type fakeVM struct {
	id    string
	exec  bool
	reply CommandResult
	hang  bool

	mu      sync.Mutex
	cmds    []Command
	files   map[string][]byte
	stopped bool
}

func (v *fakeVM) ID() string { return v.id }

func (v *fakeVM) WriteFile(_ context.Context, path string, content []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.files == nil {
		v.files = make(map[string][]byte)
	}
	v.files[path] = content
	if !v.exec {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (v *fakeVM) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	v.mu.Lock()
	v.cmds = append(v.cmds, cmd)
	v.mu.Unlock()

	if v.hang {
		<-ctx.Done()
		return CommandResult{}, ctx.Err()
	}
	if !v.exec {
		return v.reply, nil
	}

	if err := os.MkdirAll(cmd.Dir, 0o755); err != nil {
		return CommandResult{}, err
	}
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	var stdout, stderr bytes.Buffer
	c.Stdout, c.Stderr = &stdout, &stderr
	err := c.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return CommandResult{}, err
	}
	return CommandResult{ExitCode: c.ProcessState.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (v *fakeVM) Stop(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
	return nil
}

func (v *fakeVM) commands(name string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.cmds {
		if c.Name == name {
			n++
		}
	}
	return n
}

type fakeProvisioner struct {
	newVM func() *fakeVM
	err   error

	mu  sync.Mutex
	vms []*fakeVM
}

func (p *fakeProvisioner) Provision(context.Context) (VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	vm := p.newVM()
	vm.id = "vm-" + string(rune('a'+len(p.vms)))
	p.vms = append(p.vms, vm)
	return vm, nil
}

func (p *fakeProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vms)
}

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
}

func localBackend(t *testing.T) (*Backend, *fakeProvisioner) {
	t.Helper()
	prov := &fakeProvisioner{newVM: func() *fakeVM { return &fakeVM{exec: true} }}
	b := New(Config{Provisioner: prov, WorkDir: t.TempDir(), Timeout: 5 * time.Second})
	t.Cleanup(func() { b.Pool().Close(context.Background()) })
	return b, prov
}

func TestBackend_Kind(t *testing.T) {
	if New(Config{}).Kind() != sandbox.KindMicroVM {
		t.Fatal("expected microvm kind")
	}
}

func TestBackend_NotConfigured(t *testing.T) {
	_, err := New(Config{}).Execute(context.Background(), sandbox.Request{Code: "x", Language: sandbox.Python})
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBackend_CellStatePersists(t *testing.T) {
	requireTools(t, "python3", "timeout")
	b, prov := localBackend(t)
	ctx := context.Background()

	first, err := b.Execute(ctx, sandbox.Request{Code: "import math\nx = 41", Language: sandbox.Python, RoomID: "r1", Cell: true})
	if err != nil {
		t.Fatalf("first cell failed: %v", err)
	}
	if first.ExitCode != 0 {
		t.Fatalf("first cell exited %d: %s", first.ExitCode, first.Stderr)
	}

	second, err := b.Execute(ctx, sandbox.Request{Code: "print(x + 1, math.floor(2.5))", Language: sandbox.Python, RoomID: "r1", Cell: true})
	if err != nil {
		t.Fatalf("second cell failed: %v", err)
	}
	if second.Stdout != "42 2\n" || second.ExitCode != 0 {
		t.Fatalf("expected namespace carried over, got %+v", second)
	}
	if second.Engine != "microvm" {
		t.Errorf("expected engine microvm, got %q", second.Engine)
	}
	if prov.count() != 1 {
		t.Fatalf("expected 1 provision across both cells, got %d", prov.count())
	}
}

func TestBackend_CellExceptionKeepsNamespace(t *testing.T) {
	requireTools(t, "python3", "timeout")
	b, _ := localBackend(t)
	ctx := context.Background()

	res, err := b.Execute(ctx, sandbox.Request{Code: "y = 'kept'\n1/0", Language: sandbox.Python, RoomID: "r1", Cell: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "ZeroDivisionError") {
		t.Fatalf("expected traceback on stderr, got %+v", res)
	}

	res, err = b.Execute(ctx, sandbox.Request{Code: "print(y)", Language: sandbox.Python, RoomID: "r1", Cell: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "kept\n" {
		t.Fatalf("expected binding from failed cell, got %+v", res)
	}
}

func TestBackend_EphemeralRun(t *testing.T) {
	requireTools(t, "timeout")
	b, prov := localBackend(t)

	res, err := b.Execute(context.Background(), sandbox.Request{Code: "echo hi; exit 3", Language: sandbox.Shell})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if prov.count() != 1 || !prov.vms[0].stopped {
		t.Fatal("expected the ephemeral vm to be stopped after the run")
	}
	if b.Pool().Len() != 0 {
		t.Error("expected ephemeral runs to bypass the pool")
	}
}

func TestBackend_ToolchainInstalledOnce(t *testing.T) {
	prov := &fakeProvisioner{newVM: func() *fakeVM { return &fakeVM{reply: CommandResult{Stdout: "ok"}} }}
	b := New(Config{Provisioner: prov, ToolchainInstall: "true"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := b.Execute(ctx, sandbox.Request{Code: "int main(){}", Language: sandbox.Cpp, RoomID: "r1"})
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if res.Stdout != "ok" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}

	vm := prov.vms[0]
	if n := vm.commands("sh"); n != 1 {
		t.Fatalf("expected one toolchain install, got %d", n)
	}
	if n := vm.commands("timeout"); n != 2 {
		t.Fatalf("expected two runs, got %d", n)
	}
	if _, ok := vm.files[filepath.Join(DefaultWorkDir, "main.cpp")]; !ok {
		t.Error("expected the source written into the work dir")
	}
}

func TestBackend_KilledRunIsTimeout(t *testing.T) {
	prov := &fakeProvisioner{newVM: func() *fakeVM {
		return &fakeVM{reply: CommandResult{ExitCode: 137, Stdout: "partial"}}
	}}
	b := New(Config{Provisioner: prov})

	res, err := b.Execute(context.Background(), sandbox.Request{Code: "while True: pass", Language: sandbox.Python})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != sandbox.ExitTimeout || res.Signal != sandbox.SignalKill || res.Stdout != "partial" {
		t.Fatalf("expected timeout result, got %+v", res)
	}
}

func TestBackend_HungVMIsEvicted(t *testing.T) {
	prov := &fakeProvisioner{newVM: func() *fakeVM { return &fakeVM{hang: true} }}
	b := New(Config{Provisioner: prov, Timeout: 20 * time.Millisecond, TimeoutOverhead: 20 * time.Millisecond})

	res, err := b.Execute(context.Background(), sandbox.Request{Code: "x", Language: sandbox.Python, RoomID: "r1"})
	if err != nil {
		t.Fatalf("expected a timeout result, got %v", err)
	}
	if res.ExitCode != sandbox.ExitTimeout {
		t.Fatalf("expected exit 137, got %+v", res)
	}
	if prov.count() != 1 {
		t.Errorf("expected no retry of a hung run, got %d provisions", prov.count())
	}
	if b.Pool().Len() != 0 || !prov.vms[0].stopped {
		t.Error("expected the hung vm to be evicted")
	}
}

func TestBackend_ProvisionFailure(t *testing.T) {
	prov := &fakeProvisioner{err: errors.New("quota exceeded")}
	b := New(Config{Provisioner: prov})

	for _, req := range []sandbox.Request{
		{Code: "x", Language: sandbox.Python},
		{Code: "x", Language: sandbox.Python, RoomID: "r1"},
	} {
		if _, err := b.Execute(context.Background(), req); !errors.Is(err, sandbox.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable for %+v, got %v", req, err)
		}
	}
}

func TestBackend_CellRequiresPython(t *testing.T) {
	prov := &fakeProvisioner{newVM: func() *fakeVM { return &fakeVM{} }}
	_, err := New(Config{Provisioner: prov}).Execute(context.Background(), sandbox.Request{Code: "ls", Language: sandbox.Shell, Cell: true})
	if !errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}
