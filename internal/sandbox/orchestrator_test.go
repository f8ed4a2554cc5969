package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedBackend returns a fixed result or error and counts its calls.
type scriptedBackend struct {
	kind   Kind
	result Result
	err    error
	calls  atomic.Int32
}

func (b *scriptedBackend) Kind() Kind { return b.kind }

func (b *scriptedBackend) Execute(_ context.Context, _ Request) (Result, error) {
	b.calls.Add(1)
	return b.result, b.err
}

func TestOrchestrator_FallthroughOrder(t *testing.T) {
	first := &scriptedBackend{kind: KindContainer, err: ErrUnavailable}
	second := &scriptedBackend{kind: KindMicroVM, result: Result{Stdout: "ok\n"}}
	third := &scriptedBackend{kind: KindJudge, result: Result{Stdout: "never"}}

	o := NewOrchestrator([]Backend{first, second, third}, time.Second)
	resp := o.Execute(context.Background(), Request{Code: "print('ok')", Language: Python})

	if resp.Engine != string(KindMicroVM) {
		t.Fatalf("expected engine %s, got %s", KindMicroVM, resp.Engine)
	}
	if resp.Stdout != "ok\n" || resp.Code != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if third.calls.Load() != 0 {
		t.Errorf("expected third backend not to be invoked, got %d calls", third.calls.Load())
	}
	if first.calls.Load() != 1 {
		t.Errorf("expected first backend to be tried once, got %d", first.calls.Load())
	}
}

func TestOrchestrator_NonZeroExitIsTerminal(t *testing.T) {
	killed := &scriptedBackend{kind: KindContainer, result: Result{Stderr: "killed", ExitCode: ExitTimeout, Signal: SignalKill}}
	next := &scriptedBackend{kind: KindLocal, result: Result{Stdout: "fallback"}}

	o := NewOrchestrator([]Backend{killed, next}, time.Second)
	resp := o.Execute(context.Background(), Request{Code: "while True: pass", Language: Python})

	if resp.Code != ExitTimeout {
		t.Fatalf("expected code %d, got %d", ExitTimeout, resp.Code)
	}
	if resp.Engine != string(KindContainer) {
		t.Errorf("expected engine %s, got %s", KindContainer, resp.Engine)
	}
	if resp.Signal == nil || *resp.Signal != SignalKill {
		t.Errorf("expected SIGKILL signal, got %v", resp.Signal)
	}
	if next.calls.Load() != 0 {
		t.Error("expected no fallthrough after a terminal result")
	}
}

func TestOrchestrator_AnyErrorFallsThrough(t *testing.T) {
	broken := &scriptedBackend{kind: KindMicroVM, err: errors.New("dial tcp: connection refused")}
	ok := &scriptedBackend{kind: KindJudge, result: Result{Stdout: "hi\n", Engine: "judge:piston"}}

	o := NewOrchestrator([]Backend{broken, ok}, time.Second)
	resp := o.Execute(context.Background(), Request{Code: "print('hi')", Language: Python})
	if resp.Engine != "judge:piston" {
		t.Fatalf("expected backend-provided engine tag, got %s", resp.Engine)
	}
	if resp.Output != "hi\n" {
		t.Errorf("expected output hi, got %q", resp.Output)
	}
}

func TestOrchestrator_Exhaustion(t *testing.T) {
	o := NewOrchestrator([]Backend{
		&scriptedBackend{kind: KindContainer, err: ErrUnavailable},
		&scriptedBackend{kind: KindLocal, err: ErrUnsupportedLanguage},
	}, time.Second)

	resp := o.Execute(context.Background(), Request{Code: "x", Language: Python})
	if resp.Engine != EngineNone {
		t.Fatalf("expected engine none, got %s", resp.Engine)
	}
	if resp.Code != ExitInfrastructure {
		t.Errorf("expected code -1, got %d", resp.Code)
	}
	if !strings.Contains(resp.Stderr, "container") || !strings.Contains(resp.Stderr, "local") {
		t.Errorf("expected stderr to explain each failure, got %q", resp.Stderr)
	}
}

func TestOrchestrator_EmptyChain(t *testing.T) {
	o := NewOrchestrator(nil, 0)
	resp := o.Execute(context.Background(), Request{Code: "x", Language: Shell})
	if resp.Engine != EngineNone || resp.Code != -1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOrchestrator_SetChain(t *testing.T) {
	a := &scriptedBackend{kind: KindContainer, result: Result{Stdout: "a"}}
	b := &scriptedBackend{kind: KindLocal, result: Result{Stdout: "b"}}
	o := NewOrchestrator([]Backend{a}, time.Second)
	o.SetChain([]Backend{b, a})

	kinds := o.Chain()
	if len(kinds) != 2 || kinds[0] != KindLocal {
		t.Fatalf("unexpected chain: %v", kinds)
	}
	if resp := o.Execute(context.Background(), Request{Language: Shell}); resp.Stdout != "b" {
		t.Errorf("expected new chain to be used, got %q", resp.Stdout)
	}
}

func TestParseOrder(t *testing.T) {
	order, err := ParseOrder("judge, local")
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != KindJudge || order[1] != KindLocal {
		t.Fatalf("unexpected order: %v", order)
	}

	if def, _ := ParseOrder(""); len(def) != len(DefaultOrder) {
		t.Errorf("expected default order, got %v", def)
	}
	if _, err := ParseOrder("container,container"); err == nil {
		t.Error("expected error for repeated kind")
	}
	if _, err := ParseOrder("kubernetes"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestBuildChain(t *testing.T) {
	backends := map[Kind]Backend{
		KindJudge: &scriptedBackend{kind: KindJudge},
		KindLocal: &scriptedBackend{kind: KindLocal},
	}

	chain := BuildChain(DefaultOrder, backends, false)
	if len(chain) != 2 || chain[0].Kind() != KindJudge {
		t.Fatalf("unexpected chain: %v", chain)
	}

	hosted := BuildChain(DefaultOrder, backends, true)
	if len(hosted) != 1 || hosted[0].Kind() != KindJudge {
		t.Fatalf("expected local excluded when hosted, got %v", hosted)
	}

	disabled := BuildChain(DefaultOrder, backends, false, KindJudge)
	if len(disabled) != 1 || disabled[0].Kind() != KindLocal {
		t.Fatalf("expected judge disabled, got %v", disabled)
	}
}

func TestLoadChainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")
	os.WriteFile(path, []byte(`{"order":["local","judge"],"disabled":["judge"]}`), 0o644)

	cf, err := LoadChainFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cf.Order) != 2 || cf.Order[0] != KindLocal || len(cf.Disabled) != 1 {
		t.Fatalf("unexpected chain file: %+v", cf)
	}

	if _, err := LoadChainFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLanguageSpecScript(t *testing.T) {
	spec, err := Spec(Cpp)
	if err != nil {
		t.Fatal(err)
	}
	script := spec.Script()
	if !strings.HasPrefix(script, "g++ ") || !strings.Contains(script, "exec ./main") {
		t.Errorf("unexpected cpp script: %q", script)
	}

	if _, err := Spec("cobol"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	if ShellQuote("main.py") != "main.py" {
		t.Errorf("expected safe word unquoted")
	}
	if got := ShellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("unexpected quoting: %s", got)
	}
}

// statefulBackend is a scriptedBackend that keeps room state.
type statefulBackend struct {
	scriptedBackend
}

func (b *statefulBackend) KeepsState() bool { return true }

func TestOrchestrator_CellSkipsStatelessBackends(t *testing.T) {
	container := &scriptedBackend{kind: KindContainer, result: Result{Stdout: "fresh"}}
	vm := &statefulBackend{scriptedBackend{kind: KindMicroVM, result: Result{Stdout: "42\n"}}}
	local := &scriptedBackend{kind: KindLocal, result: Result{Stdout: "fresh"}}
	o := NewOrchestrator([]Backend{container, vm, local}, time.Second)

	resp := o.Execute(context.Background(), Request{Code: "print(x)", Language: Python, RoomID: "r1", Cell: true})
	if resp.Engine != string(KindMicroVM) || resp.Stdout != "42\n" {
		t.Fatalf("expected cell on the stateful backend, got %+v", resp)
	}
	if container.calls.Load() != 0 || local.calls.Load() != 0 {
		t.Errorf("stateless backends ran a cell: container=%d local=%d", container.calls.Load(), local.calls.Load())
	}
}

func TestOrchestrator_CellWithoutStatefulBackend(t *testing.T) {
	container := &scriptedBackend{kind: KindContainer, result: Result{Stdout: "fresh"}}
	o := NewOrchestrator([]Backend{container}, time.Second)

	resp := o.Execute(context.Background(), Request{Code: "x = 1", Language: Python, RoomID: "r1", Cell: true})
	if resp.Engine != EngineNone || resp.Code != -1 {
		t.Fatalf("expected no backend for a cell, got %+v", resp)
	}
	if !strings.Contains(resp.Stderr, "cannot keep cell state") || container.calls.Load() != 0 {
		t.Errorf("unexpected outcome: stderr=%q calls=%d", resp.Stderr, container.calls.Load())
	}
}

func TestOrchestrator_PooledPrefersStatefulBackend(t *testing.T) {
	container := &scriptedBackend{kind: KindContainer, result: Result{Stdout: "fresh"}}
	vm := &statefulBackend{scriptedBackend{kind: KindMicroVM, err: ErrUnavailable}}
	o := NewOrchestrator([]Backend{container, vm}, time.Second)

	// A pooled non-cell run falls back to a stateless backend.
	resp := o.Execute(context.Background(), Request{Code: "ls", Language: Shell, RoomID: "r1"})
	if resp.Engine != string(KindContainer) {
		t.Fatalf("expected fallback to container, got %+v", resp)
	}
	if vm.calls.Load() != 1 {
		t.Errorf("expected stateful backend tried first, got %d calls", vm.calls.Load())
	}

	// Ephemeral runs keep the configured order.
	o.Execute(context.Background(), Request{Code: "ls", Language: Shell})
	if vm.calls.Load() != 1 || container.calls.Load() != 2 {
		t.Errorf("unexpected calls: vm=%d container=%d", vm.calls.Load(), container.calls.Load())
	}
}
