package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "listingwatch/pkg/logx"
)

var (
	ErrSkipped    = errors.New("scheduler: previous run still in progress")
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Helsinki"; empty means Local
}

type Func func(ctx context.Context) error

type job struct {
	name     string
	schedule Schedule
	timeout  time.Duration
	run      Func

	running atomic.Bool
	entryID cron.EntryID
	spread  time.Duration
}

// Info describes a registered job.
type Info struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]*job
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional accepts both 5 and 6 field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
	}
}

// Add registers run under name, replacing any job with the same name.
// A cron expression is validated immediately.
func (s *Service) Add(name, schedule string, timeout time.Duration, run Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if run == nil {
		return errors.New("scheduler: job func required")
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if sc.Kind == KindCron {
		if _, err := s.parser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", sc.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, schedule: sc, timeout: timeout, run: run}
	s.jobs[name] = j
	if s.c != nil {
		s.registerLocked(j)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Clear removes every job. In-flight runs are not interrupted.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.jobs {
		s.removeLocked(name)
	}
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering. It is a no-op when the scheduler is disabled or
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, name := range s.namesLocked() {
		s.registerLocked(s.jobs[name])
	}
	s.c.Start()
}

// Stop halts triggering, cancels running jobs and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running", logx.Err(ctx.Err()))
	}
}

// Apply swaps the config. A timezone change restarts triggering.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	// Runs in flight finish on their own; the per-job guard still applies.
	s.c.Stop()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

// RunNow runs the named job synchronously, subject to the same overlap rule
// as scheduled triggers.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.jobs))
	for _, name := range s.namesLocked() {
		j := s.jobs[name]
		info := Info{Name: name, Schedule: j.schedule.Spec()}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) registerLocked(j *job) {
	ctx := s.ctx
	fn := cron.FuncJob(func() {
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.execute(ctx, j)
	})

	if j.schedule.Kind == KindInterval {
		sched, jitter := intervalWithSpread(j.schedule.Every, time.Now().In(s.loc), j.name)
		j.spread = jitter
		j.entryID = s.c.Schedule(sched, fn)
	} else {
		id, err := s.c.AddJob(j.schedule.Cron, fn)
		if err != nil {
			// Validated in Add; only reachable when the parser changes.
			s.log.Error("schedule register failed", logx.String("job", j.name), logx.String("spec", j.schedule.Cron), logx.Err(err))
			return
		}
		j.entryID = id
	}
	s.log.Debug("schedule registered",
		logx.String("job", j.name),
		logx.String("spec", j.schedule.Spec()),
		logx.Duration("startup_spread", j.spread),
		logx.Time("next", s.c.Entry(j.entryID).Next),
	)
}

func (s *Service) execute(ctx context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Info("schedule trigger skipped; previous run still in progress", logx.String("job", j.name))
		return ErrSkipped
	}
	defer j.running.Store(false)

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		s.log.Warn("scheduled run failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("scheduled run finished", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
