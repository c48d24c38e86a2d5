package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     int
	closed atomic.Bool
}

type fakeFactory struct {
	mu       sync.Mutex
	created  int
	closed   int
	failNext error
	closeErr error
	gate     chan struct{}
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeHandle, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.created++
	return &fakeHandle{id: f.created}, nil
}

func (f *fakeFactory) Close(h *fakeHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	h.closed.Store(true)
	return f.closeErr
}

func (f *fakeFactory) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.closed
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, factory *fakeFactory, cfg Config) *Pool[*fakeHandle] {
	t.Helper()
	p, err := New[*fakeHandle](factory, cfg)
	require.NoError(t, err)
	return p
}

func requireInvariant(t *testing.T, p *Pool[*fakeHandle]) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.LessOrEqual(t, len(p.idle)+len(p.busy)+p.pending, p.cfg.MaxSize)
	for _, res := range p.idle {
		_, busy := p.busy[res]
		require.False(t, busy, "resource %s is both idle and busy", res.PoolID)
	}
}

func TestAcquireCreatesThenReuses(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{Name: "browser", MaxSize: 2})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, first.Reused)
	require.Equal(t, 1, first.UsageCount)
	require.NoError(t, p.Release(first))

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.True(t, again.Reused)
	require.Equal(t, 2, again.UsageCount)

	st := p.Status()
	require.Equal(t, 0, st.Idle)
	require.Equal(t, 1, st.Busy)
	require.Equal(t, uint64(1), st.TotalCreated)
	require.Equal(t, uint64(1), st.TotalReused)
	require.InDelta(t, 1.0, st.ReuseRate, 1e-9)
	requireInvariant(t, p)
}

func TestReleaseUnknownResource(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{}, Config{MaxSize: 1})
	require.ErrorIs(t, p.Release(nil), ErrNotBusy)
	require.ErrorIs(t, p.Release(&Resource[*fakeHandle]{}), ErrNotBusy)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(res))
	require.ErrorIs(t, p.Release(res), ErrNotBusy)
}

// Three callers against maxSize=2: two run immediately, the third resumes only
// once one of the first two releases.
func TestSaturatedPoolHandsOffOnRelease(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSize: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Resource[*fakeHandle], 1)
	go func() {
		res, err := p.Acquire(ctx)
		if err == nil {
			got <- res
		}
	}()

	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquire resolved before any release")
	case <-time.After(30 * time.Millisecond):
	}
	requireInvariant(t, p)

	require.NoError(t, p.Release(b))
	select {
	case res := <-got:
		require.Same(t, b, res)
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the released resource")
	}
	created, _ := factory.counts()
	require.Equal(t, 2, created)
	require.Equal(t, 0, p.Status().Idle)
	require.NoError(t, p.Release(a))
	requireInvariant(t, p)
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{}, Config{MaxSize: 1})
	ctx := context.Background()
	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			res, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			_ = p.Release(res)
		}()
		require.Eventually(t, func() bool { return p.Status().Waiting == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, p.Release(held))
	for want := 1; want <= 3; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never resumed", want)
		}
	}
}

func TestPendingCreationPreventsOverCreate(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{gate: make(chan struct{})}
	p := newTestPool(t, factory, Config{MaxSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan *Resource[*fakeHandle], 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Acquire(ctx)
			if err == nil {
				results <- res
			}
		}()
	}

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Pending == 2 && st.Waiting == 3
	}, time.Second, time.Millisecond)
	requireInvariant(t, p)

	close(factory.gate)
	first := <-results
	second := <-results
	created, _ := factory.counts()
	require.Equal(t, 2, created)

	require.NoError(t, p.Release(first))
	require.NoError(t, p.Release(second))
	for i := 0; i < 3; i++ {
		res := <-results
		require.NoError(t, p.Release(res))
	}
	wg.Wait()
	created, _ = factory.counts()
	require.Equal(t, 2, created)
	requireInvariant(t, p)
}

func TestCreateFailurePropagatesAndFreesSlot(t *testing.T) {
	t.Parallel()

	boom := errors.New("browser failed to launch")
	factory := &fakeFactory{failNext: boom}
	p := newTestPool(t, factory, Config{MaxSize: 1})

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, p.Status().Pending)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestCreateFailurePassesPermitToWaiter(t *testing.T) {
	t.Parallel()

	boom := errors.New("launch failed")
	factory := &fakeFactory{gate: make(chan struct{}), failNext: boom}
	p := newTestPool(t, factory, Config{MaxSize: 1})
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Pending == 1 }, time.Second, time.Millisecond)

	second := make(chan *Resource[*fakeHandle], 1)
	go func() {
		res, err := p.Acquire(ctx)
		if err == nil {
			second <- res
		}
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, time.Millisecond)

	close(factory.gate)
	require.ErrorIs(t, <-firstErr, boom)
	select {
	case res := <-second:
		require.NotNil(t, res)
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive a creation permit")
	}
	requireInvariant(t, p)
}

func TestAcquireCanceledWhileWaiting(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{}, Config{MaxSize: 1})
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, p.Status().Waiting)

	require.NoError(t, p.Release(held))
	require.Equal(t, 1, p.Status().Idle)
}

func TestCleanupEvictsOnlyStaleIdle(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSize: 3, MaxAge: time.Minute, MaxUsage: 3, Clock: clock})
	ctx := context.Background()

	old, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(old))

	clock.Advance(2 * time.Minute)
	fresh, err := p.Acquire(ctx) // reuses old
	require.NoError(t, err)
	require.Same(t, old, fresh)
	third, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(fresh))
	require.NoError(t, p.Release(third))

	evicted := p.Cleanup(false)
	require.Equal(t, 1, evicted)
	require.True(t, old.Handle.closed.Load())
	require.False(t, busy.Handle.closed.Load())
	require.False(t, third.Handle.closed.Load())

	require.Equal(t, 1, p.Cleanup(true))
	require.False(t, busy.Handle.closed.Load())
	requireInvariant(t, p)
}

func TestCleanupIsolatesCloseErrors(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{closeErr: errors.New("close failed")}
	p := newTestPool(t, factory, Config{MaxSize: 2})
	ctx := context.Background()
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(a))
	require.NoError(t, p.Release(b))

	require.Equal(t, 2, p.Cleanup(true))
	_, closed := factory.counts()
	require.Equal(t, 2, closed)
	require.Equal(t, 0, p.Status().Idle)
}

func TestDestroyFailsWaitersAndClosesEverything(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSize: 2})
	ctx := context.Background()
	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(b))
	b, err = p.Acquire(ctx)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Destroy())
	require.ErrorIs(t, <-waitErr, ErrPoolClosed)
	require.True(t, a.Handle.closed.Load())
	require.True(t, b.Handle.closed.Load())

	st := p.Status()
	require.Zero(t, st.Total)
	require.Zero(t, st.Waiting)
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestInvariantUnderContention(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{}, Config{MaxSize: 3})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				st := p.Status()
				if st.Idle+st.Busy+st.Pending > st.MaxSize {
					t.Errorf("pool exceeded max size: %+v", st)
				}
				if err := p.Release(res); err != nil {
					t.Errorf("release: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	requireInvariant(t, p)
	require.LessOrEqual(t, p.Status().TotalCreated, uint64(3))
}

func TestJanitorStopsWithContext(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeFactory{}, Config{MaxSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := p.StartJanitor(ctx, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New[*fakeHandle](nil, Config{})
	require.Error(t, err)
	_, err = New[*fakeHandle](&fakeFactory{}, Config{MaxSize: -1})
	require.Error(t, err)
	p, err := New[*fakeHandle](&fakeFactory{}, Config{})
	require.NoError(t, err)
	require.Equal(t, defaultMaxSize, p.Status().MaxSize)
}
