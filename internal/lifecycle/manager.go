package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/scheduler"
	"schedflow/internal/store"
	"schedflow/internal/worker"
)

// CreateRequest is what callers supply to schedule a task.
type CreateRequest struct {
	OwnerID     string          `json:"owner_id"`
	Target      domain.Target   `json:"target"`
	TaskType    string          `json:"task_type"`
	TriggerAt   time.Time       `json:"trigger_at"`
	Payload     domain.Payload  `json:"payload"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// Validate checks request shape. Past trigger times are accepted.
func (r CreateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.OwnerID) == "":
		return domain.Invalid("owner_id", "is required")
	case r.Target.Platform == "":
		return domain.Invalid("target.platform", "is required")
	case !domain.KnownPlatform(r.Target.Platform):
		return domain.Invalid("target.platform", fmt.Sprintf("must be one of %v", domain.Platforms))
	case strings.TrimSpace(r.Target.AccountID) == "":
		return domain.Invalid("target.account_id", "is required")
	case r.TriggerAt.IsZero():
		return domain.Invalid("trigger_at", "is required")
	case strings.TrimSpace(r.Payload.Endpoint) == "":
		return domain.Invalid("payload.endpoint", "is required")
	case len(r.Payload.Body) > 0 && !json.Valid(r.Payload.Body):
		return domain.Invalid("payload.body", "must be valid JSON")
	case len(r.Credentials) > 0 && !json.Valid(r.Credentials):
		return domain.Invalid("credentials", "must be valid JSON")
	}
	return nil
}

type Options struct {
	Logger *zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Manager is the single entry point for task operations. It owns the wiring
// between store, trigger engine and worker pool.
type Manager struct {
	repo   store.Repository
	engine *scheduler.Engine
	pool   *worker.Pool
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string

	runCtx  context.Context
	stopRun context.CancelFunc
	poolWG  sync.WaitGroup
}

func NewID() string { return "tsk_" + uuid.NewString() }

func New(repo store.Repository, engine *scheduler.Engine, pool *worker.Pool, opts Options) *Manager {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:    repo,
		engine:  engine,
		pool:    pool,
		log:     lg.With().Str("component", "lifecycle").Logger(),
		now:     opts.Now,
		newID:   opts.NewID,
		runCtx:  ctx,
		stopRun: cancel,
	}
}

// Start runs the worker pool, rebuilds triggers from the store and starts firing.
func (m *Manager) Start(ctx context.Context) (scheduler.ReconcileReport, error) {
	m.poolWG.Add(1)
	go func() {
		defer m.poolWG.Done()
		m.pool.Run(m.runCtx)
	}()

	rep, err := m.engine.Reconcile(ctx, m.repo, m.onFire)
	if err != nil {
		return rep, fmt.Errorf("reconcile triggers: %w", err)
	}
	if err := m.engine.Start(); err != nil {
		return rep, err
	}
	return rep, nil
}

// Stop refuses new fires, halts the engine, then waits for running
// dispatches. Fires not yet started are dropped and their tasks stay PENDING
// for the next start; a dispatch cut off by ctx stays RUNNING for recovery.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	// Unblocks trigger callbacks waiting on a full queue so the engine can stop.
	m.pool.Close()
	if err := m.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop trigger engine: %w", err))
	}
	if err := m.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
	}
	m.stopRun()
	m.poolWG.Wait()
	return errors.Join(errs...)
}

func (m *Manager) onFire(f scheduler.Fire) {
	if err := m.pool.Submit(m.runCtx, f); err != nil {
		m.log.Info().Err(err).Str("task_id", f.TaskID).Msg("fire not queued; task stays pending until next start")
	}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Task, error) {
	if err := req.Validate(); err != nil {
		return domain.Task{}, err
	}
	now := m.now().UTC()
	t := domain.Task{
		ID:          m.newID(),
		OwnerID:     req.OwnerID,
		Target:      req.Target,
		TaskType:    req.TaskType,
		TriggerAt:   req.TriggerAt.UTC(),
		Payload:     req.Payload,
		Credentials: req.Credentials,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.TaskType == "" {
		t.TaskType = domain.DefaultTaskType
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("store task: %w", err)
	}

	if err := m.engine.Register(ctx, t.ID, t.TriggerAt, m.onFire); err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("trigger registration failed; task stays pending for reconciliation")
	}
	m.log.Info().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Str("platform", t.Target.Platform).
		Time("trigger_at", t.TriggerAt).Msg("task scheduled")
	return t, nil
}

func (m *Manager) Get(ctx context.Context, id string) (domain.Task, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	return m.repo.List(ctx, f)
}

// Cancel marks a PENDING or RUNNING task CANCELLED and drops its trigger.
// It reports false for tasks that already reached a terminal status. An
// outbound call already in flight is not aborted.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	t, changed, err := m.repo.Cancel(ctx, id, m.now().UTC())
	if err != nil {
		return false, err
	}
	if err := m.engine.Unregister(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("unregister trigger failed")
	}
	if changed {
		m.log.Info().Str("task_id", id).Msg("task cancelled")
	} else {
		m.log.Debug().Str("task_id", id).Str("status", string(t.Status)).Msg("cancel ignored for terminal task")
	}
	return changed, nil
}

// Purge permanently deletes a task that is no longer PENDING or RUNNING.
func (m *Manager) Purge(ctx context.Context, id string) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Active() {
		return fmt.Errorf("%w: %s is %s; cancel it first", domain.ErrConflict, id, t.Status)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := m.engine.Unregister(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("unregister trigger failed")
	}
	m.log.Info().Str("task_id", id).Msg("task purged")
	return nil
}

// Attempts returns the dispatch history of a task.
func (m *Manager) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if _, err := m.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.Attempts(ctx, id)
}

// Stats is a point-in-time view used by the metrics endpoint.
type Stats struct {
	Tasks           map[domain.Status]int `json:"tasks"`
	PendingTriggers int                   `json:"pending_triggers"`
	Pool            worker.Stats          `json:"pool"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Tasks: counts, PendingTriggers: m.engine.Pending(), Pool: m.pool.Stats()}, nil
}

// Ping checks the store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.repo.CountByStatus(ctx)
	return err
}
