package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"execpool/internal/config"
	"execpool/internal/eventbus"
	"execpool/internal/jobs"
	"execpool/internal/observability/httpserver"
	promexp "execpool/internal/observability/prometheus"
	"execpool/internal/pool"
	"execpool/internal/recorder"
	"execpool/internal/runtime/supervisor"
	"execpool/internal/sdnotify"
	"execpool/internal/shutdown"
	"execpool/internal/storage"
	logx "execpool/pkg/logx"
)

// ErrFatal wraps faults that end Run abnormally; the process should exit
// with pool.ExitInternalFault.
var ErrFatal = errors.New("app: fatal fault")

const (
	DefaultDrainTimeout = 10 * time.Second
	DefaultStopTimeout  = 15 * time.Second
)

// App wires the pool daemon: config, logging, storage, metrics, the HTTP
// endpoint, systemd notifications and the configured jobs.
type App struct {
	ov   Overrides
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.MemBus
	store   storage.Store
	reg     *prom.Registry
	metrics *promexp.Exporter
	http    *httpserver.Server
	sd      *sdnotify.Notifier
	shut    *shutdown.Registry

	jobs    []jobs.Job
	pool    *pool.Pool
	handles map[string]*pool.Handle

	drain   time.Duration
	fatalCh chan error

	stopOnce sync.Once
	stopErr  error
}

type Option func(*App)

// WithNotifier replaces the systemd notifier.
func WithNotifier(n *sdnotify.Notifier) Option { return func(a *App) { a.sd = n } }

// WithDrainTimeout bounds how long Stop lets running occurrences finish.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.drain = d
		}
	}
}

// NewApp loads and validates the config and prepares every component. Nothing
// runs until Start.
func NewApp(cfgPath string, ov Overrides, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return Check(effective(cfg, ov))
	})
	raw, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	cfg := effective(raw, ov)

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		ov:      ov,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		reg:     prom.NewRegistry(),
		drain:   DefaultDrainTimeout,
		fatalCh: make(chan error, 1),
	}
	a.shut = shutdown.NewRegistry(shutdown.WithLogger(log))

	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	if sc, enabled, err := MapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = promexp.NewExporter("execpool", a.reg, promexp.ExporterOptions{}); err != nil {
		return fail(err)
	}

	if a.jobs, err = jobs.BuildAll(cfg, log); err != nil {
		return fail(err)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.http = httpserver.New(hc, a.reg, a.healthy, log)

	for _, o := range opts {
		o(a)
	}
	if a.sd == nil {
		a.sd = sdnotify.New(log)
	}
	return a, nil
}

// Check validates cfg the way the daemon would load it, jobs included.
func Check(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	_, err := jobs.BuildAll(cfg, logx.Nop())
	return err
}

func effective(cfg *config.Config, ov Overrides) *config.Config {
	c := *cfg
	ov.apply(&c)
	return &c
}

func (a *App) Pool() *pool.Pool { return a.pool }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Handles() map[string]*pool.Handle { return a.handles }
func (a *App) Registry() *prom.Registry { return a.reg }
func (a *App) HTTPAddr() string { return a.http.Addr() }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

func (a *App) healthy() bool {
	return a.pool != nil && a.pool.Healthy()
}

// Start creates the pool, submits the configured jobs and starts the
// background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := effective(a.cfgm.Get(), a.ov)

	// Hooks run in reverse: the pool registers last and is closed first.
	if a.store != nil {
		store := a.store
		a.shut.Register("storage", func(context.Context) error { return store.Close() })
	}
	a.shut.Register("http", func(c context.Context) error { a.http.Stop(c); return nil })

	if a.store != nil {
		rec := recorder.New(a.bus, a.store, a.log)
		a.sup.Go("recorder", rec.Run)
	}

	pc, err := mapPoolConfig(cfg)
	if err != nil {
		return err
	}
	pc.Logger = a.log
	pc.Bus = a.bus
	pc.Metrics = a.metrics
	pc.Shutdown = a.shut
	pc.OnFatal = a.onFatal
	a.pool = pool.New(pc)

	if a.handles, err = jobs.SubmitAll(a.pool, a.jobs, a.log); err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		a.http.Start(a.sup.Context())
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("sd.watchdog", func(c context.Context) error { return a.sd.Watchdog(c, a.healthy) })

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("running %d jobs", len(a.jobs)))
	a.log.Info("app started", logx.Int("jobs", len(a.jobs)), logx.String("pool", a.pool.String()))
	return nil
}

// onFatal is the pool's fatal handler: it asks Run to shut down and exit.
func (a *App) onFatal(err error) {
	select {
	case a.fatalCh <- err:
	default:
	}
}

// Run starts the app and blocks until a signal, ctx cancellation or a fatal
// pool fault, then stops it. Fatal faults are returned wrapped in ErrFatal.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), shutdown.ReasonFatal)
		return err
	}

	sigCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan shutdown.Reason, 1)
	go func() { sigCh <- shutdown.Wait(sigCtx) }()

	var (
		reason shutdown.Reason
		fatal  error
	)
	select {
	case reason = <-sigCh:
	case fatal = <-a.fatalCh:
		reason = shutdown.ReasonFatal
	case <-a.sup.Context().Done():
		if ctx.Err() != nil {
			reason = shutdown.ReasonContext
			break
		}
		reason = shutdown.ReasonFatal
		if fatal = a.sup.Err(); fatal == nil {
			fatal = errors.New("background loops stopped")
		}
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer stopCancel()
	err := a.Stop(stopCtx, reason)
	if fatal != nil {
		return fmt.Errorf("%w: %w", ErrFatal, fatal)
	}
	if reason == shutdown.ReasonContext {
		return nil
	}
	return err
}

// Stop closes the pool (gracefully unless reason is fatal), stops background
// loops and runs the shutdown hooks. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason shutdown.Reason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason shutdown.Reason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	if a.pool != nil {
		if reason == shutdown.ReasonFatal {
			a.pool.CloseAsync()
		} else {
			dctx, cancel := context.WithTimeout(ctx, a.drain)
			if err := a.pool.Close(dctx); err != nil {
				a.log.Warn("pool drain timed out; remaining tasks canceled", logx.Err(err))
			}
			cancel()
		}
	}

	var errs []error
	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := a.shut.Run(ctx, reason); err != nil {
		errs = append(errs, err)
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// reloadLoop applies hot-reloadable config changes.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, oldRaw, newRaw *config.Config) {
	oldCfg, newCfg := effective(oldRaw, a.ov), effective(newRaw, a.ov)
	change := config.Summarize(oldCfg, newCfg)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no effective changes)")
		return
	}

	if change.Has("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if change.Has("pool") && oldCfg.Pool.MinWorkers != newCfg.Pool.MinWorkers && a.pool != nil {
		got := a.pool.SetMinWorkers(newCfg.Pool.MinWorkers)
		a.log.Info("pool min_workers updated", logx.Int("min_workers", got))
	}
	if change.Has("http") {
		if hc, err := mapHTTPConfig(newCfg); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}
	if rr := change.RestartRequired(oldCfg, newCfg); len(rr) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}
