package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFactoryDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(Config{HostQPS: -1})
	require.Error(t, err)

	f, err := NewFactory(Config{})
	require.NoError(t, err)
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	require.Equal(t, defaultStartupTimeout, f.cfg.StartupTimeout)
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	t.Parallel()

	base, err := NewFactory(Config{Headless: true})
	require.NoError(t, err)
	withExtras, err := NewFactory(Config{Headless: true, NoSandbox: true, UserAgent: "refresher-test"})
	require.NoError(t, err)

	require.Greater(t, len(base.allocatorOptions()), 0)
	require.Equal(t, len(base.allocatorOptions())+2, len(withExtras.allocatorOptions()))
}

func TestClosedTabRejectsWork(t *testing.T) {
	t.Parallel()

	f, err := NewFactory(Config{})
	require.NoError(t, err)
	canceled := false
	tab := &Tab{cfg: f.cfg, cancel: func() { canceled = true }}

	require.NoError(t, f.Close(tab))
	require.True(t, canceled)
	require.NoError(t, f.Close(tab))
	require.NoError(t, f.Close(nil))

	_, err = tab.Text(context.Background())
	require.ErrorIs(t, err, ErrTabClosed)
	require.ErrorIs(t, tab.Navigate(context.Background(), "https://example.com"), ErrTabClosed)
}

func TestHostLimiterDisabledAndInvalid(t *testing.T) {
	t.Parallel()

	var nilLimiter *hostLimiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://example.com"))
	require.NoError(t, newHostLimiter(0).Wait(context.Background(), "https://example.com"))
	require.Error(t, newHostLimiter(1).Wait(context.Background(), "http://%zz"))
}

func TestHostLimiterThrottlesPerHost(t *testing.T) {
	t.Parallel()

	limiter := newHostLimiter(1)
	ctx := context.Background()
	require.NoError(t, limiter.Wait(ctx, "https://a.example.com/one"))
	require.NoError(t, limiter.Wait(ctx, "https://b.example.com/one"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, limiter.Wait(short, "https://a.example.com/two"))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context was not canceled")
	}
}
