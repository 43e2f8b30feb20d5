package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"listingwatch/internal/config"
	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/metrics"
	"listingwatch/internal/monitor"
	"listingwatch/internal/notifier"
	"listingwatch/internal/observability/status"
	"listingwatch/internal/runtime/supervisor"
	"listingwatch/internal/scheduler"
	"listingwatch/internal/source"
	"listingwatch/internal/storage"
	"listingwatch/internal/transport/telegram"
	"listingwatch/internal/viewer"
	logx "listingwatch/pkg/logx"
	"listingwatch/pkg/systemd"
)

var (
	ErrNoSources     = errors.New("no sources configured")
	ErrUnknownSource = errors.New("unknown source")
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	queue *notifier.Queue
	disp  *dispatch.Orchestrator
	mon   *monitor.Monitor
	sched *scheduler.Service

	metrics *metrics.Collector
	status  *status.Service
	cmds    *telegram.Commands

	mu      sync.RWMutex
	sources map[string]sourceEntry
	order   []string
	opts    dispatch.Options
}

type sourceEntry struct {
	src      source.Source
	schedule string
	enabled  bool
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{dotenv: []string{".env"}}
	for _, fn := range opts {
		fn(&o)
	}
	if len(o.dotenv) > 0 {
		if err := config.LoadDotEnv(o.dotenv...); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfgm := config.NewManager(cfgPath)
	if o.env != nil {
		cfgm.SetEnv(o.env)
	}
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	// Validated above; errors here are unreachable.
	stc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sender := o.sender
	if sender == nil {
		tg, err := telegram.New(mapTelegramConfig(cfg, ncfg.SendTimeout), root.With(logx.String("comp", "telegram")))
		switch {
		case err == nil:
			sender = tg
		case errors.Is(err, telegram.ErrNoToken), errors.Is(err, telegram.ErrNoChatID):
			log.Warn("telegram credentials missing; notifications disabled",
				logx.String("hint", config.EnvTelegramToken+" and "+config.EnvTelegramChatID),
				logx.Err(err),
			)
		default:
			return nil, err
		}
	}
	queue := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus, o.queueOpts...)

	v := o.viewer
	if v == nil {
		v = viewer.NewBrowser(root.With(logx.String("comp", "viewer")))
	}
	disp := dispatch.New(
		storage.NewOpener(stc, root.With(logx.String("comp", "storage"))),
		queue,
		v,
		root.With(logx.String("comp", "dispatch")),
		dispatch.WithBus(bus),
		dispatch.WithViewerParallel(cfg.Dispatch.ViewerParallel),
	)

	coll, err := metrics.New(queue)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logs,
		bus:     bus,
		queue:   queue,
		disp:    disp,
		mon:     monitor.New(root.With(logx.String("comp", "monitor"))),
		sched:   scheduler.New(mapSchedulerConfig(cfg), root.With(logx.String("comp", "scheduler"))),
		metrics: coll,
		opts:    mapDispatchOptions(cfg),
	}
	a.status = status.New(mapStatusConfig(cfg), status.Deps{
		Runs:    a.mon,
		Jobs:    a.sched,
		Queue:   queue,
		Metrics: coll.Handler(),
		Goroutines: func() supervisor.Counters {
			if a.sup == nil {
				return supervisor.Counters{}
			}
			return a.sup.Counters()
		},
	}, root.With(logx.String("comp", "status")))
	if err := a.loadSources(cfg); err != nil {
		return nil, err
	}
	if cfg.Telegram.Commands {
		cmds, err := telegram.NewCommands(mapCommandsConfig(cfg), root.With(logx.String("comp", "telegram.commands")))
		if err != nil {
			log.Warn("telegram commands disabled", logx.Err(err))
		} else {
			cmds.SetCommands(a.commands())
			a.cmds = cmds
		}
	}
	log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("storage", stc.Driver),
		logx.Bool("notifications", queue.Configured()),
		logx.Strings("sources", a.SourceNames()),
	)
	return a, nil
}

// validateConfig rejects what Config.Validate cannot see: schedules,
// include patterns and timezones.
func validateConfig(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	// A scratch scheduler validates cron fields, not just the schedule form.
	probe := scheduler.New(scheduler.Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	for _, sc := range cfg.Sources {
		scfg, err := mapSourceConfig(sc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := source.New(scfg, logx.Nop()); err != nil {
			errs = append(errs, err)
		}
		if strings.TrimSpace(sc.Schedule) != "" {
			if err := probe.Add(sc.Name, sc.Schedule, 0, noop); err != nil {
				errs = append(errs, fmt.Errorf("sources.%s.schedule: %w", sc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Done is closed when the app context ends, including after a fatal error
// in a supervised goroutine.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Monitor() *monitor.Monitor     { return a.mon }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Queue() *notifier.Queue        { return a.queue }
func (a *App) Metrics() *metrics.Collector   { return a.metrics }
func (a *App) Status() *status.Service       { return a.status }

// DispatchOptions returns the configured defaults for a batch.
func (a *App) DispatchOptions() dispatch.Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.opts
}

// Start runs the app in daemon mode: scheduled sources, config hot reload,
// metrics and the optional status server.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// Subscribe before anything can publish.
	notes, unsubNotes := a.bus.Subscribe(256)
	a.sup.Go0("monitor.watch", func(c context.Context) {
		defer unsubNotes()
		a.mon.Consume(c, notes)
	})
	counted, unsubCounted := a.bus.Subscribe(256)
	a.sup.Go0("metrics.consume", func(c context.Context) {
		defer unsubCounted()
		a.metrics.Consume(c, counted)
	})
	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sched.Start(a.sup.Context())
	a.status.Start(a.sup.Context())
	if a.cmds != nil {
		a.sup.GoRestart("telegram.commands", a.cmds.Run, time.Second, time.Minute)
	}

	if d := systemd.WatchdogInterval(); d > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = systemd.Watchdog()
				}
			}
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = systemd.Status("watching %d sources", len(a.sched.Jobs()))

	a.log.Info("app started", logx.Int("jobs", len(a.sched.Jobs())))
	return nil
}

// RunOnce runs the named sources (all enabled ones when names is empty)
// one after another and waits for their notifications.
func (a *App) RunOnce(ctx context.Context, names, terms []string, opts dispatch.Options) ([]monitor.RunStats, error) {
	srcs, err := a.selectSources(names)
	if err != nil {
		return nil, err
	}

	// Closing the subscription lets the monitor consume what is buffered
	// before it returns.
	notes, unsub := a.bus.Subscribe(256)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		a.mon.Consume(ctx, notes)
	}()
	defer func() {
		unsub()
		<-watched
	}()

	var (
		out  []monitor.RunStats
		errs []error
	)
	for _, src := range srcs {
		st, err := a.runSource(ctx, src, terms, opts)
		out = append(out, st)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", 10*time.Second, a.queue.Close)
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug level keeps frequent schedules quiet.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}
