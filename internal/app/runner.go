package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"listingwatch/internal/config"
	"listingwatch/internal/dispatch"
	"listingwatch/internal/eventbus"
	"listingwatch/internal/monitor"
	"listingwatch/internal/source"
	logx "listingwatch/pkg/logx"
)

// loadSources rebuilds every source from cfg and re-registers the
// scheduled ones. A source that fails to build leaves everything as it was.
func (a *App) loadSources(cfg *config.Config) error {
	entries := make(map[string]sourceEntry, len(cfg.Sources))
	order := make([]string, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		scfg, err := mapSourceConfig(sc)
		if err != nil {
			return err
		}
		src, err := source.New(scfg, a.root.With(logx.String("comp", "source")))
		if err != nil {
			return err
		}
		entries[scfg.Name] = sourceEntry{src: src, schedule: strings.TrimSpace(sc.Schedule), enabled: sc.IsEnabled()}
		order = append(order, scfg.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sched.Clear()
	for _, name := range order {
		e := entries[name]
		if !e.enabled || e.schedule == "" {
			continue
		}
		src := e.src
		err := a.sched.Add(name, e.schedule, 0, func(ctx context.Context) error {
			_, err := a.runSource(ctx, src, nil, a.DispatchOptions())
			return err
		})
		if err != nil {
			return fmt.Errorf("sources.%s.schedule: %w", name, err)
		}
	}
	a.sources = entries
	a.order = order
	return nil
}

// SourceNames lists configured sources in config order.
func (a *App) SourceNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// selectSources resolves names; empty names selects every enabled source.
// A named source runs even when it is disabled for scheduling.
func (a *App) selectSources(names []string) ([]source.Source, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []source.Source
	if len(names) == 0 {
		for _, n := range a.order {
			if e := a.sources[n]; e.enabled {
				out = append(out, e.src)
			}
		}
		if len(out) == 0 {
			return nil, ErrNoSources
		}
		return out, nil
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		e, ok := a.sources[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, n)
		}
		out = append(out, e.src)
	}
	if len(out) == 0 {
		return nil, ErrNoSources
	}
	return out, nil
}

// runSource discovers URLs, dispatches them as one batch and waits until
// the queue is idle so the run summary includes delivery outcomes.
func (a *App) runSource(ctx context.Context, src source.Source, terms []string, opts dispatch.Options) (monitor.RunStats, error) {
	name := src.Name()
	opts.Source = name
	a.mon.StartRun(name)

	urls, err := src.Discover(ctx, terms, a.mon)
	if err != nil && !errors.Is(err, source.ErrAllTermsFailed) && ctx.Err() == nil {
		a.log.Warn("discovery incomplete", logx.String("source", name), logx.Err(err))
	}
	if len(urls) > 0 && ctx.Err() == nil {
		st, derr := a.disp.ProcessBatch(ctx, urls, opts)
		a.mon.RecordBatch(st)
		if derr != nil {
			a.mon.RecordError(name, derr)
			err = errors.Join(err, derr)
		}
		if st.Inserted > 0 {
			if werr := a.queue.Drain(ctx); werr != nil && err == nil {
				err = werr
			}
		}
	}
	st := a.mon.CompleteRun(name)
	eventbus.Emit(a.bus, eventbus.SourceRun, st)
	return st, err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig moves the running app from prev to next. Storage, Telegram
// credentials and viewer parallelism need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if changed["storage"] || changed["telegram"] {
		a.log.Warn("storage or telegram config changed; restart required for changes to take effect")
	}
	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed["notifier"] || changed["telegram"] {
		if ncfg, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.queue.Apply(ncfg)
		}
	}
	if changed["dispatch"] {
		if prev.Dispatch.ViewerParallel != next.Dispatch.ViewerParallel {
			a.log.Warn("dispatch.viewer_parallel changed; restart required for changes to take effect")
		}
		a.mu.Lock()
		a.opts = mapDispatchOptions(next)
		a.mu.Unlock()
	}
	if changed["status"] {
		a.status.Reconfigure(ctx, mapStatusConfig(next))
	}
	if changed["sources"] {
		if err := a.loadSources(next); err != nil {
			a.log.Warn("invalid sources config; keeping previous", logx.Err(err))
		}
	}
	if changed["scheduler"] {
		wasEnabled := prev.Scheduler.Enabled
		a.sched.Apply(mapSchedulerConfig(next))
		switch {
		case wasEnabled && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
