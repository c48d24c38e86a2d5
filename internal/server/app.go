// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetable-refresher/internal/api"
	"github.com/JakeFAU/timetable-refresher/internal/browser"
	"github.com/JakeFAU/timetable-refresher/internal/config"
	"github.com/JakeFAU/timetable-refresher/internal/events"
	eventsinks "github.com/JakeFAU/timetable-refresher/internal/events/sinks"
	"github.com/JakeFAU/timetable-refresher/internal/extractor/httpextract"
	"github.com/JakeFAU/timetable-refresher/internal/fallback"
	"github.com/JakeFAU/timetable-refresher/internal/jobqueue"
	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	"github.com/JakeFAU/timetable-refresher/internal/pool"
	gcppublisher "github.com/JakeFAU/timetable-refresher/internal/publisher/pubsub"
	"github.com/JakeFAU/timetable-refresher/internal/scheduler"
	"github.com/JakeFAU/timetable-refresher/internal/source"
	gcsstorage "github.com/JakeFAU/timetable-refresher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/timetable-refresher/internal/storage/local"
	pgstore "github.com/JakeFAU/timetable-refresher/internal/store/postgres"
	"github.com/JakeFAU/timetable-refresher/internal/trigger"
)

// Option customizes NewApp.
type Option func(*options)

type options struct {
	descriptors []source.Descriptor
	sinks       []scheduler.ResultSink
	probe       scheduler.MemoryProbe
	clock       source.Clock
}

// WithDescriptors registers jobs that are not declared in config.
func WithDescriptors(descs ...source.Descriptor) Option {
	return func(o *options) { o.descriptors = append(o.descriptors, descs...) }
}

// WithResultSinks adds report sinks on top of the configured ones.
func WithResultSinks(sinks ...scheduler.ResultSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithMemoryProbe overrides the runtime memory probe.
func WithMemoryProbe(p scheduler.MemoryProbe) Option {
	return func(o *options) { o.probe = p }
}

// WithClock overrides the wall clock.
func WithClock(c source.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  source.Clock

	metrics   *prometheus.Registry
	registry  *source.Registry
	tabs      *pool.Pool[*browser.Tab]
	chain     *fallback.Chain
	monitor   *monitor.Monitor
	bus       *events.Bus
	queue     *jobqueue.Queue
	scheduler *scheduler.Scheduler
	sinks     []scheduler.ResultSink

	resultStore  *pgstore.ResultStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client

	janitorDone <-chan struct{}
	stopJanitor context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	apiMu sync.Mutex
	apis  []*api.Server
}

// NewApp builds every component described by cfg. Nothing is started; call
// Run for the long-running service or use Scheduler directly for one-shot runs.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	clock := o.clock
	if clock == nil {
		clock = source.SystemClock{}
	}
	app := &App{cfg: cfg, logger: logger, clock: clock, metrics: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err = app.setupRegistry(o.descriptors); err != nil {
		return nil, err
	}
	if err = app.setupPool(); err != nil {
		return nil, err
	}
	app.chain = fallback.NewChain(fallback.Config{
		ValueNames: cfg.Fallback.ValueNames,
		MinValues:  cfg.Fallback.MinValues,
		Aliases:    mergeAliases(fallback.DefaultAliases(), cfg.Fallback.Aliases),
		Defaults:   cfg.Fallback.Defaults,
		Clock:      clock,
		Logger:     logger.Named("fallback"),
	})

	app.monitor = monitor.New(monitor.Config{Clock: clock, Logger: logger.Named("monitor")})
	if err = app.monitor.Register(app.metrics); err != nil {
		return nil, fmt.Errorf("register monitor metrics: %w", err)
	}
	if err = app.setupEvents(); err != nil {
		return nil, err
	}

	app.queue = jobqueue.New(jobqueue.Config{
		MaxRetries:     cfg.Queue.MaxRetries,
		AttemptTimeout: cfg.Queue.AttemptTimeout(),
		BackoffBase:    delayOr(cfg.Queue.BackoffBase(), jobqueue.NoBackoff),
		CacheTTL:       cfg.Queue.CacheTTL(),
		DisableCache:   cfg.Queue.CacheTTLSeconds == 0,
	}, jobqueue.Deps{
		Provider:  jobqueue.NewTabProvider(app.tabs),
		Runner:    app.chain,
		Recorder:  app.monitor,
		Publisher: app.bus,
		Clock:     clock,
		Logger:    logger.Named("jobqueue"),
	})

	if err = app.setupSinks(ctx); err != nil {
		return nil, err
	}
	app.sinks = append(app.sinks, o.sinks...)

	app.scheduler, err = scheduler.New(scheduler.Config{
		MinBatch:    cfg.Scheduler.MinBatch,
		MaxBatch:    cfg.Scheduler.MaxBatch,
		BatchPause:  delayOr(cfg.Scheduler.BatchPause(), scheduler.NoPause),
		SkipWindow:  cfg.Scheduler.SkipWindow(),
		JoinTimeout: cfg.Scheduler.JoinTimeout(),
	}, scheduler.Deps{
		Registry:  app.registry,
		Queue:     app.queue,
		Recorder:  app.monitor,
		Publisher: app.bus,
		Probe:     o.probe,
		Sinks:     app.sinks,
		Clock:     clock,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	logger.Info("application created",
		zap.Int("jobs", app.registry.Len()),
		zap.Int("pool_max_size", cfg.Pool.MaxSize),
		zap.Int("result_sinks", len(app.sinks)),
	)
	return app, nil
}

func (a *App) setupRegistry(extra []source.Descriptor) error {
	a.registry = source.NewRegistry()
	builder := httpextract.New(httpextract.Config{
		UserAgent:  a.cfg.HTTP.UserAgent,
		Timeout:    a.cfg.HTTP.Timeout(),
		ValueNames: a.cfg.Fallback.ValueNames,
		Clock:      a.clock,
	})

	var explicit, discovered []source.Descriptor
	for _, src := range a.cfg.Sources {
		desc := source.Descriptor{
			ID:          source.JobID(src.ID),
			DisplayName: src.Name,
			Location:    src.Location,
			URL:         src.URL,
			Extract: builder.Extractor(httpextract.Source{
				URL:          src.URL,
				DateSelector: src.DateSelector,
				Selectors:    src.Selectors,
			}),
		}
		if desc.ID > 0 {
			explicit = append(explicit, desc)
		} else {
			discovered = append(discovered, desc)
		}
	}
	for _, desc := range extra {
		if desc.ID > 0 {
			explicit = append(explicit, desc)
		} else {
			discovered = append(discovered, desc)
		}
	}

	// Explicit ids go first so discovery never hands one of them out.
	sort.SliceStable(explicit, func(i, j int) bool { return explicit[i].ID < explicit[j].ID })
	for _, desc := range explicit {
		if err := a.registry.Register(desc); err != nil {
			return fmt.Errorf("register source %q: %w", desc.DisplayName, err)
		}
	}
	for _, desc := range discovered {
		id, err := a.registry.Discover(desc)
		if err != nil {
			return fmt.Errorf("discover source %q: %w", desc.DisplayName, err)
		}
		a.logger.Debug("source discovered", zap.Stringer("job_id", id), zap.String("name", desc.DisplayName))
	}
	return nil
}

func (a *App) setupPool() error {
	factory, err := browser.NewFactory(browser.Config{
		UserAgent:         a.cfg.Browser.UserAgent,
		Headless:          a.cfg.Browser.Headless,
		NoSandbox:         a.cfg.Browser.NoSandbox,
		NavigationTimeout: a.cfg.Browser.NavTimeout(),
		StartupTimeout:    a.cfg.Browser.StartupTimeout(),
		SettleDelay:       a.cfg.Browser.SettleDelay(),
		HostQPS:           a.cfg.Browser.HostQPS,
		Logger:            a.logger.Named("browser"),
	})
	if err != nil {
		return fmt.Errorf("browser factory init failed: %w", err)
	}
	a.tabs, err = pool.New[*browser.Tab](factory, pool.Config{
		Name:     "browser-tabs",
		MaxSize:  a.cfg.Pool.MaxSize,
		MaxAge:   a.cfg.Pool.MaxAge(),
		MaxUsage: a.cfg.Pool.MaxUsage,
		Clock:    a.clock,
		Logger:   a.logger.Named("pool"),
	})
	if err != nil {
		return fmt.Errorf("tab pool init failed: %w", err)
	}
	return nil
}

func (a *App) setupEvents() error {
	promSink, err := eventsinks.NewPrometheusSink(a.metrics)
	if err != nil {
		return fmt.Errorf("event metrics sink init failed: %w", err)
	}
	a.bus = events.NewBus(events.Config{Logger: a.logger.Named("events")},
		eventsinks.NewLogSink(a.logger.Named("events_log")),
		promSink,
	)
	return nil
}

func (a *App) setupSinks(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping result store")
	} else {
		store, err := pgstore.NewResultStore(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("result store init failed: %w", err)
		}
		a.resultStore = store
		a.sinks = append(a.sinks, store)
		a.logger.Info("result store initialized")
	}

	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, run notifications disabled")
	} else {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.publisher = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
		a.sinks = append(a.sinks, a.publisher)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	if a.cfg.Storage.LocalDir != "" {
		dir, err := localstorage.New(localstorage.Config{
			BaseDir: a.cfg.Storage.LocalDir,
			Prefix:  a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("local report archive init failed: %w", err)
		}
		a.sinks = append(a.sinks, dir)
		a.logger.Info("local report archive initialized", zap.String("dir", a.cfg.Storage.LocalDir))
	}

	if a.cfg.Storage.GCSBucket == "" {
		a.logger.Info("no GCS bucket configured, cloud report archive disabled")
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client init failed: %w", err)
	}
	a.storage = client
	archive, err := gcsstorage.New(client, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return fmt.Errorf("gcs report archive init failed: %w", err)
	}
	a.sinks = append(a.sinks, archive)
	a.logger.Info("report archive initialized", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return nil
}

// Scheduler returns the batch scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Registry returns the job registry.
func (a *App) Registry() *source.Registry { return a.registry }

// Monitor returns the execution monitor.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Queue returns the job queue.
func (a *App) Queue() *jobqueue.Queue { return a.queue }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Handler builds the HTTP API. baseCtx parents runs started over HTTP; Close
// waits for those runs before tearing anything down.
func (a *App) Handler(baseCtx context.Context) http.Handler {
	srv := api.NewServer(api.Deps{
		Runner:     a.scheduler,
		Queue:      a.queue,
		Pool:       a.tabs,
		Stats:      a.monitor,
		Statuses:   a.bus,
		Gatherer:   a.metrics,
		Registerer: a.metrics,
		Logger:     a.logger,
	}, api.Options{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
		BaseContext: baseCtx,
	})
	a.apiMu.Lock()
	a.apis = append(a.apis, srv)
	a.apiMu.Unlock()
	return srv.Handler()
}

// StartJanitor evicts expired idle tabs until ctx ends or Close is called.
func (a *App) StartJanitor(ctx context.Context) {
	if a.stopJanitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.stopJanitor = cancel
	a.janitorDone = a.tabs.StartJanitor(ctx, a.cfg.Pool.JanitorInterval())
}

// Run serves HTTP and fires scheduled runs until the context is canceled or
// the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartJanitor(ctx)

	var trig *trigger.Trigger
	if a.cfg.Trigger.Enabled {
		var err error
		trig, err = trigger.New(trigger.Config{
			Schedule:   a.cfg.Trigger.Schedule,
			RunOnStart: a.cfg.Trigger.RunOnStart,
			Logger:     a.logger,
		}, a.scheduler)
		if err != nil {
			return fmt.Errorf("trigger init failed: %w", err)
		}
		if err := trig.Start(ctx); err != nil {
			return fmt.Errorf("trigger start failed: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if trig != nil {
		trig.Wait()
	}
	return a.Close(shutdownCtx)
}

// Close waits for outstanding work, then releases every resource. Calls
// after the first return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	a.apiMu.Lock()
	servers := a.apis
	a.apiMu.Unlock()
	for _, srv := range servers {
		if err := srv.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for background runs: %w", err))
		}
	}
	if a.queue != nil {
		if err := a.queue.WaitForAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for jobs: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	errs = append(errs, a.closeInfrastructure(ctx)...)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) []error {
	var errs []error
	if a.stopJanitor != nil {
		a.stopJanitor()
		select {
		case <-a.janitorDone:
		case <-ctx.Done():
		}
		a.stopJanitor = nil
	}
	if a.tabs != nil {
		if err := a.tabs.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy tab pool: %w", err))
		}
		a.tabs = nil
	}
	if a.resultStore != nil {
		a.resultStore.Close()
		a.resultStore = nil
	}
	if a.publisher != nil {
		a.publisher.Stop()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage client: %w", err))
		}
		a.storage = nil
	}
	return errs
}

func mergeAliases(base, overrides map[string][]string) map[string][]string {
	for name, labels := range overrides {
		base[name] = append([]string(nil), labels...)
	}
	return base
}

// delayOr maps a configured zero delay to disabled. A zero package Config
// field means the package default.
func delayOr(d, disabled time.Duration) time.Duration {
	if d == 0 {
		return disabled
	}
	return d
}
