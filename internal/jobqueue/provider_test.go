package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetable-refresher/internal/browser"
	"github.com/JakeFAU/timetable-refresher/internal/pool"
)

type fakeTabPool struct {
	acquireErr error
	released   []*pool.Resource[*browser.Tab]
}

func (p *fakeTabPool) Acquire(context.Context) (*pool.Resource[*browser.Tab], error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &pool.Resource[*browser.Tab]{Handle: &browser.Tab{}}, nil
}

func (p *fakeTabPool) Release(res *pool.Resource[*browser.Tab]) error {
	p.released = append(p.released, res)
	return nil
}

func TestTabProviderLeasesPooledTabs(t *testing.T) {
	t.Parallel()

	tabs := &fakeTabPool{}
	lease, err := NewTabProvider(tabs).Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease.Page())

	require.NoError(t, lease.Release())
	require.Len(t, tabs.released, 1)
}

func TestTabProviderPropagatesAcquireError(t *testing.T) {
	t.Parallel()

	boom := errors.New("pool closed")
	_, err := NewTabProvider(&fakeTabPool{acquireErr: boom}).Acquire(context.Background())
	require.ErrorIs(t, err, boom)
}
