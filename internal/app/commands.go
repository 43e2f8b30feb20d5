package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"listingwatch/internal/transport/telegram"
	logx "listingwatch/pkg/logx"
)

// commands is the chat command table.
func (a *App) commands() []telegram.Command {
	return []telegram.Command{
		{
			Name:        "status",
			Description: "health and queue state",
			Handle:      a.cmdStatus,
		},
		{
			Name:        "runs",
			Description: "latest run per source",
			Handle:      a.cmdRuns,
		},
		{
			Name:        "jobs",
			Description: "scheduled sources",
			Handle:      a.cmdJobs,
		},
		{
			Name:        "run",
			Description: "run a source now",
			Usage:       "/run <source> [terms...]",
			Timeout:     5 * time.Second,
			Handle:      a.cmdRun,
		},
	}
}

func (a *App) cmdStatus(context.Context, *telegram.Request) (string, error) {
	h := a.mon.Health()
	return fmt.Sprintf("status: %s\nactive runs: %d\nrecent errors: %d\nqueue: %d pending, processing=%t\nnotifications: %t",
		h.Status, h.ActiveRuns, h.RecentErrors, a.queue.Pending(), a.queue.Processing(), a.queue.Configured()), nil
}

func (a *App) cmdRuns(context.Context, *telegram.Request) (string, error) {
	runs := a.mon.Runs()
	if len(runs) == 0 {
		return "no runs yet", nil
	}
	var b strings.Builder
	for _, r := range runs {
		state := r.Duration.Round(time.Second).String()
		if r.Active() {
			state = "running"
		}
		fmt.Fprintf(&b, "%s: %s, %d terms, %d found, %d new, %d errors, %d/%d sent\n",
			r.Source, state, r.TermsProcessed, r.URLsFound, r.NewURLs, r.Errors,
			r.NotificationsSent, r.NotificationsSent+r.NotificationsFailed)
	}
	return strings.TrimSpace(b.String()), nil
}

func (a *App) cmdJobs(context.Context, *telegram.Request) (string, error) {
	jobs := a.sched.Jobs()
	if len(jobs) == 0 {
		return "no scheduled sources", nil
	}
	var b strings.Builder
	for _, j := range jobs {
		next := "-"
		if !j.Next.IsZero() {
			next = j.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s (%s) next %s\n", j.Name, j.Schedule, next)
	}
	return strings.TrimSpace(b.String()), nil
}

// cmdRun starts the source in the background; the run summary lands in /runs.
func (a *App) cmdRun(_ context.Context, req *telegram.Request) (string, error) {
	if len(req.Args) == 0 {
		return "", errors.New("usage: /run <source> [terms...]")
	}
	srcs, err := a.selectSources(req.Args[:1])
	if err != nil {
		return "", err
	}
	src, terms := srcs[0], req.Args[1:]
	if a.sup == nil {
		return "", errors.New("app is not running")
	}
	a.sup.Go0("command.run."+src.Name(), func(ctx context.Context) {
		if _, err := a.runSource(ctx, src, terms, a.DispatchOptions()); err != nil {
			a.log.Warn("manual run failed", logx.String("source", src.Name()), logx.Err(err))
		}
	})
	return fmt.Sprintf("started %s", src.Name()), nil
}
