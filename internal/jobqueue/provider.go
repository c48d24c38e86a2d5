package jobqueue

import (
	"context"

	"github.com/JakeFAU/timetable-refresher/internal/browser"
	"github.com/JakeFAU/timetable-refresher/internal/fallback"
	"github.com/JakeFAU/timetable-refresher/internal/pool"
)

// ResourceProvider hands out pages for the fallback chain.
type ResourceProvider interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a page checked out from a ResourceProvider.
type Lease interface {
	Navigate(ctx context.Context, url string) error
	Page() fallback.Page
	Release() error
}

// TabPool is the subset of *pool.Pool[*browser.Tab] used by the queue.
type TabPool interface {
	Acquire(ctx context.Context) (*pool.Resource[*browser.Tab], error)
	Release(res *pool.Resource[*browser.Tab]) error
}

// NewTabProvider adapts a browser tab pool to a ResourceProvider.
func NewTabProvider(p TabPool) ResourceProvider {
	return tabProvider{pool: p}
}

type tabProvider struct {
	pool TabPool
}

func (p tabProvider) Acquire(ctx context.Context) (Lease, error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &tabLease{pool: p.pool, res: res}, nil
}

type tabLease struct {
	pool TabPool
	res  *pool.Resource[*browser.Tab]
}

func (l *tabLease) Navigate(ctx context.Context, url string) error {
	return l.res.Handle.Navigate(ctx, url)
}

func (l *tabLease) Page() fallback.Page {
	return l.res.Handle
}

func (l *tabLease) Release() error {
	return l.pool.Release(l.res)
}
