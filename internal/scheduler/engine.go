package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/store"
)

var (
	ErrStopped     = errors.New("trigger engine stopped")
	ErrInvalidFire = errors.New("trigger needs an id, a trigger time and a callback")
)

// DefaultMisfireGrace bounds how late a missed fire still counts as on time.
const DefaultMisfireGrace = time.Hour

// misfireThreshold separates timer jitter from a genuinely missed fire.
const misfireThreshold = time.Second

// Fire is handed to a Callback when a trigger goes off.
type Fire struct {
	TaskID      string
	ScheduledAt time.Time
	FiredAt     time.Time
	Late        time.Duration
	// PastGrace is set when Late exceeds the misfire grace window.
	// The fire is delivered anyway.
	PastGrace bool
	// Recovery marks tasks found RUNNING at startup: the previous process
	// died mid-dispatch and the task may be re-claimed.
	Recovery bool
}

type Callback func(Fire)

type Options struct {
	MisfireGrace time.Duration
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// Engine is the in-memory trigger registry. Every registration is
// re-derivable from the task store; trigger rows are only a mirror.
type Engine struct {
	cron  *cron.Cron
	store store.TriggerStore
	grace time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*registration
	started bool
	stopped bool
}

type registration struct {
	id       string
	at       time.Time
	recovery bool
	cb       Callback
	entryID  cron.EntryID
	fired    atomic.Bool
}

// onceSchedule yields its instant exactly once, then never again.
// cron asks for Next once before the first run and once after it.
type onceSchedule struct {
	at    time.Time
	spent atomic.Bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	if s.spent.Swap(true) {
		return time.Time{}
	}
	return s.at
}

func NewEngine(ts store.TriggerStore, opts Options) *Engine {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	lg = lg.With().Str("component", "trigger").Logger()
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = DefaultMisfireGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cl := cronLogger{log: lg}
	return &Engine{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		store:   ts,
		grace:   opts.MisfireGrace,
		log:     lg,
		now:     opts.Now,
		entries: make(map[string]*registration),
	}
}

// Start begins firing. The engine cannot be restarted after Stop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	e.cron.Start()
	e.started = true
	e.log.Info().Dur("misfire_grace", e.grace).Msg("trigger engine started")
	return nil
}

// Stop halts the timer loop and waits for in-progress fire callbacks.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := e.cron.Stop()
	select {
	case <-done.Done():
		e.log.Info().Msg("trigger engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) MisfireGrace() time.Duration { return e.grace }

// Register schedules cb to run once, no earlier than at. A previous
// registration for the same id is replaced.
func (e *Engine) Register(ctx context.Context, id string, at time.Time, cb Callback) error {
	return e.register(ctx, id, at, false, cb)
}

func (e *Engine) register(ctx context.Context, id string, at time.Time, recovery bool, cb Callback) error {
	if id == "" || at.IsZero() || cb == nil {
		return ErrInvalidFire
	}
	at = at.UTC()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	// The row is written before the entry exists, so a due fire always
	// deletes it after it landed.
	tr := store.Trigger{TaskID: id, FireAt: at, MisfireGrace: e.grace, RegisteredAt: e.now().UTC()}
	if err := e.store.SaveTrigger(ctx, tr); err != nil {
		e.log.Warn().Err(err).Str("task_id", id).Msg("persist trigger row failed")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if old := e.entries[id]; old != nil {
		delete(e.entries, id)
		e.cron.Remove(old.entryID)
	}
	reg := &registration{id: id, at: at, recovery: recovery, cb: cb}
	reg.entryID = e.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() { e.fire(reg) }))
	e.entries[id] = reg
	e.mu.Unlock()

	e.log.Debug().Str("task_id", id).Time("fire_at", at).Bool("recovery", recovery).Msg("trigger registered")
	return nil
}

// Unregister cancels a pending registration. Unknown or already fired ids are a no-op.
func (e *Engine) Unregister(ctx context.Context, id string) error {
	e.mu.Lock()
	reg := e.entries[id]
	if reg != nil {
		delete(e.entries, id)
		e.cron.Remove(reg.entryID)
	}
	e.mu.Unlock()

	if reg != nil {
		e.log.Debug().Str("task_id", id).Msg("trigger unregistered")
	}
	return e.store.DeleteTrigger(ctx, id)
}

// Pending returns the number of registrations that have not fired yet.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Registered reports whether id has a pending registration.
func (e *Engine) Registered(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

func (e *Engine) fire(reg *registration) {
	if !reg.fired.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if e.entries[reg.id] != reg {
		// Unregistered or replaced after the timer went off.
		e.mu.Unlock()
		return
	}
	delete(e.entries, reg.id)
	e.cron.Remove(reg.entryID)
	e.mu.Unlock()

	firedAt := e.now().UTC()
	late := firedAt.Sub(reg.at)
	if late < 0 {
		late = 0
	}
	ev := Fire{
		TaskID:      reg.id,
		ScheduledAt: reg.at,
		FiredAt:     firedAt,
		Late:        late,
		PastGrace:   late > e.grace,
		Recovery:    reg.recovery,
	}
	switch {
	case ev.PastGrace:
		e.log.Warn().Str("task_id", reg.id).Dur("late", late).Dur("misfire_grace", e.grace).
			Msg("misfire past grace window; firing anyway")
	case late >= misfireThreshold:
		e.log.Info().Str("task_id", reg.id).Dur("late", late).Msg("misfire honored")
	}

	if err := e.store.DeleteTrigger(context.Background(), reg.id); err != nil {
		e.log.Warn().Err(err).Str("task_id", reg.id).Msg("delete trigger row failed")
	}
	reg.cb(ev)
}

// Source yields the tasks whose triggers must exist: every PENDING or RUNNING task.
type Source interface {
	ListRecoverable(ctx context.Context) ([]domain.Task, error)
}

type ReconcileReport struct {
	Registered int // triggers registered, one per active task
	Recovered  int // tasks found RUNNING, re-fired for recovery
	Healed     int // active tasks that had no trigger row
	Pruned     int // trigger rows without an active task
	Misfired   int // trigger_at already passed
	PastGrace  int // trigger_at passed by more than the grace window
}

// Reconcile rebuilds the in-memory schedule from durable task state. Calling
// it again leaves exactly one registration per active task.
func (e *Engine) Reconcile(ctx context.Context, src Source, cb Callback) (ReconcileReport, error) {
	var rep ReconcileReport

	tasks, err := src.ListRecoverable(ctx)
	if err != nil {
		return rep, err
	}
	rows, err := e.store.ListTriggers(ctx)
	if err != nil {
		return rep, err
	}
	mirrored := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		mirrored[r.TaskID] = struct{}{}
	}

	now := e.now()
	for _, t := range tasks {
		recovery := t.Status == domain.StatusRunning
		if err := e.register(ctx, t.ID, t.TriggerAt, recovery, cb); err != nil {
			return rep, err
		}
		rep.Registered++
		if recovery {
			rep.Recovered++
		}
		if _, ok := mirrored[t.ID]; !ok {
			rep.Healed++
		}
		if late := now.Sub(t.TriggerAt); late > 0 {
			rep.Misfired++
			if late > e.grace {
				rep.PastGrace++
			}
		}
	}

	if rep.Pruned, err = e.store.PruneTriggers(ctx); err != nil {
		return rep, err
	}

	e.log.Info().
		Int("registered", rep.Registered).
		Int("recovered", rep.Recovered).
		Int("healed", rep.Healed).
		Int("pruned", rep.Pruned).
		Int("misfired", rep.Misfired).
		Int("past_grace", rep.PastGrace).
		Msg("trigger reconciliation complete")
	return rep, nil
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
