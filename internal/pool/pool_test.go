package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeHandle struct {
	id      int
	stopped atomic.Bool
}

func (h *fakeHandle) Stop(context.Context) error {
	h.stopped.Store(true)
	return nil
}

type provisioner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (p *provisioner) provision(context.Context) (*fakeHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	h := &fakeHandle{id: len(p.handles) + 1}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *provisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func newTestPool(prov *provisioner) (*Pool[*fakeHandle], *clock.Mock) {
	mock := clock.NewMock()
	p := New[*fakeHandle](prov.provision, Config{
		IdleTimeout:  20 * time.Minute,
		MaxLifetime:  25 * time.Minute,
		ExpiryMargin: time.Minute,
		Clock:        mock,
	})
	return p, mock
}

func use(t *testing.T, p *Pool[*fakeHandle], room string) *fakeHandle {
	t.Helper()
	var got *fakeHandle
	err := p.Do(context.Background(), room, func(_ context.Context, e *Entry[*fakeHandle]) error {
		got = e.Handle
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	return got
}

func TestPool_ReusesHandle(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	first := use(t, p, "r1")
	second := use(t, p, "r1")
	if first != second {
		t.Fatal("expected the same handle for the same room")
	}
	if prov.count() != 1 {
		t.Fatalf("expected 1 provision, got %d", prov.count())
	}

	other := use(t, p, "r2")
	if other == first {
		t.Fatal("expected a separate handle per room")
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 pooled rooms, got %d", p.Len())
	}
}

func TestPool_IdleEviction(t *testing.T) {
	prov := &provisioner{}
	p, mock := newTestPool(prov)

	first := use(t, p, "r1")
	mock.Add(21 * time.Minute)

	second := use(t, p, "r1")
	if second == first {
		t.Fatal("expected a fresh handle after idle eviction")
	}
	if !first.stopped.Load() {
		t.Error("expected the idle handle to be torn down")
	}
	if prov.count() != 2 {
		t.Fatalf("expected 2 provisions, got %d", prov.count())
	}
}

func TestPool_SweepOnOtherRoomAccess(t *testing.T) {
	prov := &provisioner{}
	p, mock := newTestPool(prov)

	idle := use(t, p, "idle-room")
	mock.Add(21 * time.Minute)
	use(t, p, "busy-room")

	if !idle.stopped.Load() {
		t.Fatal("expected access to any room to sweep idle entries")
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 pooled room, got %d", p.Len())
	}
}

func TestPool_LifetimeCap(t *testing.T) {
	prov := &provisioner{}
	p, mock := newTestPool(prov)

	first := use(t, p, "r1")
	for i := 0; i < 2; i++ {
		mock.Add(10 * time.Minute)
		if use(t, p, "r1") != first {
			t.Fatalf("expected reuse at %d minutes", (i+1)*10)
		}
	}

	// 24.5 minutes in: within the expiry margin of the 25 minute cap.
	mock.Add(4*time.Minute + 30*time.Second)
	if use(t, p, "r1") == first {
		t.Fatal("expected the handle not to be reused past its expected expiry")
	}
	if !first.stopped.Load() {
		t.Error("expected the expired handle to be torn down")
	}
}

func TestPool_RetryOnceAfterFailure(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	var seen []*fakeHandle
	err := p.Do(context.Background(), "r1", func(_ context.Context, e *Entry[*fakeHandle]) error {
		seen = append(seen, e.Handle)
		if len(seen) == 1 {
			return errors.New("sandbox connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(seen) != 2 || seen[0] == seen[1] {
		t.Fatalf("expected retry on a replacement handle, got %v", seen)
	}
	if !seen[0].stopped.Load() {
		t.Error("expected the failed handle to be discarded")
	}
	if use(t, p, "r1") != seen[1] {
		t.Error("expected the replacement to stay pooled")
	}
}

func TestPool_RetryFailsTwice(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	calls := 0
	err := p.Do(context.Background(), "r1", func(context.Context, *Entry[*fakeHandle]) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected failure after retry")
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
	if p.Len() != 0 {
		t.Errorf("expected no pooled room after double failure, got %d", p.Len())
	}
}

func TestPool_ProvisionFailure(t *testing.T) {
	prov := &provisioner{err: errors.New("quota exceeded")}
	p, _ := newTestPool(prov)

	err := p.Do(context.Background(), "r1", func(context.Context, *Entry[*fakeHandle]) error {
		t.Fatal("fn must not run without a handle")
		return nil
	})
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if p.Len() != 0 {
		t.Errorf("expected no pooled room, got %d", p.Len())
	}
}

func TestPool_SerializesPerRoom(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), "r1", func(context.Context, *Entry[*fakeHandle]) error {
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Fatalf("expected runs in one room never to overlap, saw %d at once", maxActive.Load())
	}
	if prov.count() != 1 {
		t.Fatalf("expected 1 provision, got %d", prov.count())
	}
}

func TestPool_FlagsPersistOnEntry(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	p.Do(context.Background(), "r1", func(_ context.Context, e *Entry[*fakeHandle]) error {
		e.GppInstalled = true
		e.Initialized = true
		return nil
	})
	p.Do(context.Background(), "r1", func(_ context.Context, e *Entry[*fakeHandle]) error {
		if !e.GppInstalled || !e.Initialized {
			t.Error("expected warm-state flags to persist across runs")
		}
		return nil
	})
}

func TestPool_EvictAndClose(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)

	h := use(t, p, "r1")
	p.Evict(context.Background(), "r1")
	if !h.stopped.Load() || p.Len() != 0 {
		t.Fatal("expected evicted handle to be stopped and removed")
	}
	p.Evict(context.Background(), "missing")

	h2 := use(t, p, "r2")
	p.Close(context.Background())
	if !h2.stopped.Load() {
		t.Error("expected Close to stop pooled handles")
	}
	err := p.Do(context.Background(), "r2", func(context.Context, *Entry[*fakeHandle]) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPool_CallerCancelKeepsHandle(t *testing.T) {
	prov := &provisioner{}
	p, _ := newTestPool(prov)
	warm := use(t, p, "r1")

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "r1", func(ctx context.Context, _ *Entry[*fakeHandle]) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retry after cancellation, got %d calls", calls)
	}
	if warm.stopped.Load() {
		t.Error("cancellation stopped the room's handle")
	}
	if prov.count() != 1 {
		t.Errorf("expected no replacement provision, got %d provisions", prov.count())
	}
	if again := use(t, p, "r1"); again != warm {
		t.Error("expected the warm handle to be reused after cancellation")
	}
}
