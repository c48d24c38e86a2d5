// Package pool bounds the number of expensive automation-engine handles alive
// at once. Handles are reused across callers, handed directly to the longest
// waiting caller on release, and evicted by age or usage while idle.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

var (
	// ErrPoolClosed is returned by Acquire once Destroy has run.
	ErrPoolClosed = errors.New("resource pool closed")
	// ErrNotBusy is returned when releasing a resource the pool does not consider checked out.
	ErrNotBusy = errors.New("resource is not checked out")
)

const (
	defaultMaxSize  = 2
	defaultMaxAge   = 30 * time.Minute
	defaultMaxUsage = 50
)

// Factory creates and disposes pooled handles.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Close(handle T) error
}

// Config controls pool sizing and eviction.
type Config struct {
	Name     string
	MaxSize  int
	MaxAge   time.Duration
	MaxUsage int
	Clock    source.Clock
	Logger   *zap.Logger
}

// Resource is one pooled handle plus its bookkeeping. A Resource is owned by
// exactly one caller between Acquire and Release.
type Resource[T any] struct {
	Handle     T
	PoolID     string
	CreatedAt  time.Time
	LastUsed   time.Time
	UsageCount int
	Reused     bool
}

// Status is a point-in-time snapshot of pool occupancy.
type Status struct {
	Name         string  `json:"name"`
	MaxSize      int     `json:"max_size"`
	Idle         int     `json:"idle"`
	Busy         int     `json:"busy"`
	Pending      int     `json:"pending"`
	Total        int     `json:"total"`
	Waiting      int     `json:"waiting"`
	TotalCreated uint64  `json:"total_created"`
	TotalReused  uint64  `json:"total_reused"`
	ReuseRate    float64 `json:"reuse_rate"`
}

// grant is delivered to a waiter. A nil res with a nil err is a permit to
// create a new handle; the pending slot has already been reserved.
type grant[T any] struct {
	res *Resource[T]
	err error
}

type waiter[T any] struct {
	ch chan grant[T]
}

// Pool is a bounded set of reusable handles. It is safe for concurrent use.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	clock   source.Clock
	logger  *zap.Logger

	mu           sync.Mutex
	idle         []*Resource[T]
	busy         map[*Resource[T]]struct{}
	pending      int
	waiters      *list.List
	closed       bool
	seq          uint64
	totalCreated uint64
	totalReused  uint64
}

// New builds a Pool around factory. Zero config values fall back to defaults.
func New[T any](factory Factory[T], cfg Config) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("pool factory is required")
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("max size must be >= 0, got %d", cfg.MaxSize)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.MaxUsage <= 0 {
		cfg.MaxUsage = defaultMaxUsage
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		clock:   clock,
		logger:  logger.With(zap.String("pool", cfg.Name)),
		busy:    make(map[*Resource[T]]struct{}),
		waiters: list.New(),
	}, nil
}

// Acquire checks out a handle. It reuses an idle handle when one exists,
// creates one while capacity remains, and otherwise waits in FIFO order until
// a released handle is handed over or ctx ends.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		res := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkoutLocked(res)
		p.mu.Unlock()
		p.logger.Debug("reused pooled resource", zap.String("resource", res.PoolID), zap.Int("usage", res.UsageCount))
		return res, nil
	}
	if p.sizeLocked() < p.cfg.MaxSize {
		p.pending++
		p.mu.Unlock()
		return p.create(ctx)
	}
	w := &waiter[T]{ch: make(chan grant[T], 1)}
	elem := p.waiters.PushBack(w)
	waiting := p.waiters.Len()
	p.mu.Unlock()
	p.logger.Debug("pool saturated; waiting for release", zap.Int("waiting", waiting))

	select {
	case g := <-w.ch:
		return p.redeem(ctx, g)
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case g := <-w.ch:
			// Granted while we were giving up: pass it on.
			p.mu.Unlock()
			p.returnGrant(g)
		default:
			p.waiters.Remove(elem)
			p.mu.Unlock()
		}
		return nil, fmt.Errorf("acquire %s resource: %w", p.cfg.Name, ctx.Err())
	}
}

// Release returns a handle to the pool, handing it straight to the longest
// waiting caller when there is one.
func (p *Pool[T]) Release(res *Resource[T]) error {
	if res == nil {
		return ErrNotBusy
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[res]; !ok {
		return ErrNotBusy
	}
	delete(p.busy, res)
	if w := p.popWaiterLocked(); w != nil {
		p.checkoutLocked(res)
		w.ch <- grant[T]{res: res}
		return nil
	}
	res.LastUsed = p.clock.Now()
	p.idle = append(p.idle, res)
	return nil
}

// Cleanup closes idle handles older than MaxAge or used MaxUsage times or
// more; with forceAll every idle handle is closed. Busy handles are never
// touched. It returns the number of handles evicted.
func (p *Pool[T]) Cleanup(forceAll bool) int {
	now := p.clock.Now()
	p.mu.Lock()
	keep := p.idle[:0]
	var evict []*Resource[T]
	for _, res := range p.idle {
		if forceAll || now.Sub(res.CreatedAt) >= p.cfg.MaxAge || res.UsageCount >= p.cfg.MaxUsage {
			evict = append(evict, res)
			continue
		}
		keep = append(keep, res)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, res := range evict {
		if err := p.factory.Close(res.Handle); err != nil {
			p.logger.Warn("close evicted resource failed", zap.String("resource", res.PoolID), zap.Error(err))
			continue
		}
		p.logger.Debug("evicted idle resource",
			zap.String("resource", res.PoolID),
			zap.Duration("age", now.Sub(res.CreatedAt)),
			zap.Int("usage", res.UsageCount),
		)
	}
	return len(evict)
}

// StartJanitor runs Cleanup(false) every interval until ctx ends. The returned
// channel closes once the janitor goroutine has exited.
func (p *Pool[T]) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.Cleanup(false); n > 0 {
					p.logger.Info("pool janitor evicted resources", zap.Int("evicted", n))
				}
			}
		}
	}()
	return done
}

// Destroy fails every waiter, closes idle and busy handles, and resets the
// pool. Acquire returns ErrPoolClosed afterwards.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w, _ := e.Value.(*waiter[T])
		w.ch <- grant[T]{err: ErrPoolClosed}
	}
	p.waiters.Init()
	handles := make([]*Resource[T], 0, len(p.idle)+len(p.busy))
	handles = append(handles, p.idle...)
	for res := range p.busy {
		handles = append(handles, res)
	}
	p.idle = nil
	p.busy = make(map[*Resource[T]]struct{})
	p.totalCreated = 0
	p.totalReused = 0
	p.mu.Unlock()

	var errs []error
	for _, res := range handles {
		if err := p.factory.Close(res.Handle); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", res.PoolID, err))
		}
	}
	p.logger.Info("resource pool destroyed", zap.Int("closed", len(handles)), zap.Int("close_errors", len(errs)))
	return errors.Join(errs...)
}

// Status reports current occupancy and lifetime counters.
func (p *Pool[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:         p.cfg.Name,
		MaxSize:      p.cfg.MaxSize,
		Idle:         len(p.idle),
		Busy:         len(p.busy),
		Pending:      p.pending,
		Total:        len(p.idle) + len(p.busy),
		Waiting:      p.waiters.Len(),
		TotalCreated: p.totalCreated,
		TotalReused:  p.totalReused,
	}
	if st.TotalCreated > 0 {
		st.ReuseRate = float64(st.TotalReused) / float64(st.TotalCreated)
	}
	return st
}

func (p *Pool[T]) create(ctx context.Context) (*Resource[T], error) {
	start := p.clock.Now()
	handle, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.passPermitLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("create %s resource: %w", p.cfg.Name, err)
	}
	if p.closed {
		p.mu.Unlock()
		if cerr := p.factory.Close(handle); cerr != nil {
			p.logger.Warn("close resource created after destroy failed", zap.Error(cerr))
		}
		return nil, ErrPoolClosed
	}
	p.seq++
	now := p.clock.Now()
	res := &Resource[T]{
		Handle:     handle,
		PoolID:     fmt.Sprintf("%s-%d", p.cfg.Name, p.seq),
		CreatedAt:  now,
		LastUsed:   now,
		UsageCount: 1,
	}
	p.busy[res] = struct{}{}
	p.totalCreated++
	p.mu.Unlock()

	p.logger.Debug("created pooled resource", zap.String("resource", res.PoolID), zap.Duration("startup", now.Sub(start)))
	return res, nil
}

func (p *Pool[T]) redeem(ctx context.Context, g grant[T]) (*Resource[T], error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.res == nil {
		return p.create(ctx)
	}
	return g.res, nil
}

// returnGrant undoes a grant that reached a waiter after it gave up.
func (p *Pool[T]) returnGrant(g grant[T]) {
	switch {
	case g.err != nil:
	case g.res != nil:
		if err := p.Release(g.res); err != nil {
			p.logger.Warn("return abandoned grant failed", zap.Error(err))
		}
	default:
		p.mu.Lock()
		p.pending--
		p.passPermitLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[T]) checkoutLocked(res *Resource[T]) {
	res.UsageCount++
	res.Reused = true
	res.LastUsed = p.clock.Now()
	p.busy[res] = struct{}{}
	p.totalReused++
}

// passPermitLocked hands freed capacity to the next waiter as a creation permit.
func (p *Pool[T]) passPermitLocked() {
	if p.closed || p.sizeLocked() >= p.cfg.MaxSize {
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.pending++
		w.ch <- grant[T]{}
	}
}

func (p *Pool[T]) popWaiterLocked() *waiter[T] {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	p.waiters.Remove(front)
	w, _ := front.Value.(*waiter[T])
	return w
}

func (p *Pool[T]) sizeLocked() int {
	return len(p.idle) + len(p.busy) + p.pending
}
