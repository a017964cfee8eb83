package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedflow/internal/domain"
)

// Timestamps are stored as fixed-width UTC text, so text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  owner_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_id TEXT NOT NULL,
  task_type TEXT NOT NULL DEFAULT 'generic_task',
  trigger_at TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  body TEXT,
  credentials TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  result TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, trigger_at);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
CREATE TABLE IF NOT EXISTS task_triggers (
  task_id TEXT PRIMARY KEY,
  fire_at TEXT NOT NULL,
  misfire_grace_ms INTEGER NOT NULL DEFAULT 0,
  registered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_triggers_fire ON task_triggers(fire_at);
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  recovery INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  outcome TEXT,
  UNIQUE(task_id, attempt)
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Repository is the durable Task Store. It is the only source of truth for task state.
type Repository interface {
	Create(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter) ([]domain.Task, error)
	Delete(ctx context.Context, id string) error
	ListRecoverable(ctx context.Context) ([]domain.Task, error)

	// Claim moves a task to RUNNING and bumps its attempt counter. A RUNNING
	// task is only re-claimed when recovery is set.
	Claim(ctx context.Context, id string, recovery bool, now time.Time) (domain.Task, error)
	// Finish records the outcome of the claim identified by attempt and
	// returns the status actually stored.
	Finish(ctx context.Context, id string, attempt int, status domain.Status, result json.RawMessage, now time.Time) (domain.Status, error)
	// Cancel marks an active task CANCELLED. changed is false for tasks that
	// were already terminal.
	Cancel(ctx context.Context, id string, now time.Time) (t domain.Task, changed bool, err error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	// Attempts lists the claims of a task, oldest first.
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)

	TriggerStore
}

// Trigger mirrors one in-memory trigger registration for restart diagnostics.
// Rows are always re-derivable from the tasks table.
type Trigger struct {
	TaskID       string
	FireAt       time.Time
	MisfireGrace time.Duration
	RegisteredAt time.Time
}

type TriggerStore interface {
	SaveTrigger(ctx context.Context, tr Trigger) error
	DeleteTrigger(ctx context.Context, taskID string) error
	ListTriggers(ctx context.Context) ([]Trigger, error)
	// PruneTriggers drops rows whose task is missing or no longer active.
	PruneTriggers(ctx context.Context) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,owner_id,platform,account_id,task_type,trigger_at,endpoint,body,credentials,status,attempts,result,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                             domain.Task
		status                        string
		triggerAt, created, updated   string
		body, credentials, resultJSON sql.NullString
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Target.Platform, &t.Target.AccountID, &t.TaskType, &triggerAt,
		&t.Payload.Endpoint, &body, &credentials, &status, &t.Attempts, &resultJSON, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.Payload.Body = rawOrNil(body)
	t.Credentials = rawOrNil(credentials)
	t.Result = rawOrNil(resultJSON)

	var err error
	if t.TriggerAt, err = parseTime(triggerAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s trigger_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

func (r *sqliteRepo) Create(ctx context.Context, t domain.Task) (err error) {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.TaskType == "" {
		t.TaskType = domain.DefaultTaskType
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id=?`, t.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		err = fmt.Errorf("%w: %s", domain.ErrDuplicateID, t.ID)
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Target.Platform, t.Target.AccountID, t.TaskType, formatTime(t.TriggerAt),
		t.Payload.Endpoint, nullRaw(t.Payload.Body), nullRaw(t.Credentials), string(t.Status), t.Attempts,
		nullRaw(t.Result), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		where = append(where, "platform=?")
		args = append(args, f.Platform)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, q, args...)
}

func (r *sqliteRepo) ListRecoverable(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending','running') ORDER BY seq ASC`)
}

func (r *sqliteRepo) queryTasks(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = domain.ErrNotFound
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM task_triggers WHERE task_id=?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM task_attempts WHERE task_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Claim(ctx context.Context, id string, recovery bool, now time.Time) (t domain.Task, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		err = domain.ErrNotFound
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}
	claimable := t.Status == domain.StatusPending || (recovery && t.Status == domain.StatusRunning)
	if !claimable {
		err = fmt.Errorf("%w: %s is %s", domain.ErrNotClaimable, id, t.Status)
		return domain.Task{}, err
	}

	updated := laterOf(t.UpdatedAt, now)
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status='running', attempts=attempts+1, updated_at=?
WHERE id=? AND status=? AND attempts=?`, formatTime(updated), id, string(t.Status), t.Attempts)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: %s changed concurrently", domain.ErrNotClaimable, id)
		return domain.Task{}, err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, attempt, recovery, started_at) VALUES (?,?,?,?)`,
		id, t.Attempts+1, recovery && t.Status == domain.StatusRunning, formatTime(now)); err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	t.Status = domain.StatusRunning
	t.Attempts++
	t.UpdatedAt = updated
	return t, nil
}

func (r *sqliteRepo) Finish(ctx context.Context, id string, attempt int, status domain.Status, result json.RawMessage, now time.Time) (stored domain.Status, err error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return "", fmt.Errorf("finish with non-terminal outcome %q", status)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		cur      string
		attempts int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, attempts FROM tasks WHERE id=?`, id).Scan(&cur, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		err = domain.ErrNotFound
		return "", err
	}
	if err != nil {
		return "", err
	}
	if attempts != attempt {
		err = fmt.Errorf("%w: %s attempt %d superseded by %d", domain.ErrConflict, id, attempt, attempts)
		return "", err
	}

	ts := formatTime(now)
	switch domain.Status(cur) {
	case domain.StatusRunning:
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status=?, result=?, updated_at=MAX(updated_at, ?)
WHERE id=? AND status='running' AND attempts=?`, string(status), nullRaw(result), ts, id, attempt)
		stored = status
	case domain.StatusCancelled:
		// Cancelled while the outbound call was in flight: keep CANCELLED, record what happened.
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET result=?, updated_at=MAX(updated_at, ?) WHERE id=? AND attempts=?`, nullRaw(result), ts, id, attempt)
		stored = domain.StatusCancelled
	default:
		err = fmt.Errorf("%w: %s is %s", domain.ErrConflict, id, cur)
	}
	if err != nil {
		return "", err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE task_attempts SET finished_at=?, outcome=? WHERE task_id=? AND attempt=?`,
		ts, string(stored), id, attempt); err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return stored, nil
}

func (r *sqliteRepo) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT attempt, recovery, started_at, finished_at, outcome FROM task_attempts
WHERE task_id=? ORDER BY attempt`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var (
			a                 domain.Attempt
			started           string
			finished, outcome sql.NullString
		)
		if err := rows.Scan(&a.Number, &a.Recovery, &started, &finished, &outcome); err != nil {
			return nil, err
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			ft, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			a.FinishedAt = &ft
		}
		a.Outcome = domain.Status(outcome.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Cancel(ctx context.Context, id string, now time.Time) (t domain.Task, changed bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		err = domain.ErrNotFound
		return domain.Task{}, false, err
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	if !t.Status.Active() {
		return t, false, tx.Rollback()
	}

	updated := laterOf(t.UpdatedAt, now)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='cancelled', updated_at=? WHERE id=? AND status=?`,
		formatTime(updated), id, string(t.Status))
	if err != nil {
		return domain.Task{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: %s changed concurrently", domain.ErrConflict, id)
		return domain.Task{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	t.Status = domain.StatusCancelled
	t.UpdatedAt = updated
	return t, true, nil
}

func (r *sqliteRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Status]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out[s] = 0
	}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

func (r *sqliteRepo) SaveTrigger(ctx context.Context, tr Trigger) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_triggers (task_id, fire_at, misfire_grace_ms, registered_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET fire_at=excluded.fire_at, misfire_grace_ms=excluded.misfire_grace_ms, registered_at=excluded.registered_at`,
		tr.TaskID, formatTime(tr.FireAt), tr.MisfireGrace.Milliseconds(), formatTime(tr.RegisteredAt))
	return err
}

func (r *sqliteRepo) DeleteTrigger(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM task_triggers WHERE task_id=?`, taskID)
	return err
}

func (r *sqliteRepo) ListTriggers(ctx context.Context) ([]Trigger, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT task_id, fire_at, misfire_grace_ms, registered_at FROM task_triggers ORDER BY fire_at, task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var (
			tr            Trigger
			fireAt, regAt string
			graceMillis   int64
		)
		if err := rows.Scan(&tr.TaskID, &fireAt, &graceMillis, &regAt); err != nil {
			return nil, err
		}
		if tr.FireAt, err = parseTime(fireAt); err != nil {
			return nil, err
		}
		if tr.RegisteredAt, err = parseTime(regAt); err != nil {
			return nil, err
		}
		tr.MisfireGrace = time.Duration(graceMillis) * time.Millisecond
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) PruneTriggers(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM task_triggers
WHERE task_id NOT IN (SELECT id FROM tasks WHERE status IN ('pending','running'))`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b.UTC()
	}
	return a.UTC()
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
