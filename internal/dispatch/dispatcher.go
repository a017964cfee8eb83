package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/scheduler"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 1 << 20

	// finishTimeout bounds the final store write, which must survive shutdown.
	finishTimeout = 10 * time.Second
	userAgent     = "schedflow-dispatcher/1"
)

// Store is the part of the task store the dispatcher writes through.
type Store interface {
	Claim(ctx context.Context, id string, recovery bool, now time.Time) (domain.Task, error)
	Finish(ctx context.Context, id string, attempt int, status domain.Status, result json.RawMessage, now time.Time) (domain.Status, error)
}

type Options struct {
	// BaseURLs maps a platform to the base URL of its task handler.
	BaseURLs         map[string]string
	ServiceToken     string
	Timeout          time.Duration
	MaxResponseBytes int64
	// Transport is the innermost round tripper; defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// Outcome reports what Execute did with one fire.
type Outcome struct {
	TaskID  string
	Skipped bool
	Reason  string
	Attempt int
	// Status is the status that ended up stored; it stays CANCELLED when the
	// task was cancelled while the call was in flight.
	Status   domain.Status
	Err      error
	Duration time.Duration
}

type Dispatcher struct {
	store    Store
	client   *http.Client
	baseURLs map[string]string
	timeout  time.Duration
	maxBody  int64
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(st Store, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	urls := make(map[string]string, len(opts.BaseURLs))
	for p, u := range opts.BaseURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls[p] = u
		}
	}
	client := &http.Client{
		Transport: chain(opts.Transport, BearerAuth(opts.ServiceToken), UserAgent(userAgent)),
	}
	return &Dispatcher{
		store:    st,
		client:   client,
		baseURLs: urls,
		timeout:  opts.Timeout,
		maxBody:  opts.MaxResponseBytes,
		log:      lg.With().Str("component", "dispatch").Logger(),
		now:      opts.Now,
		inflight: make(map[string]struct{}),
	}
}

// Execute claims the fired task, calls its handler and records the outcome.
// It never returns with a claimed task left unrecorded.
func (d *Dispatcher) Execute(ctx context.Context, f scheduler.Fire) (out Outcome) {
	out.TaskID = f.TaskID
	lg := d.log.With().Str("task_id", f.TaskID).Logger()

	if !d.acquire(f.TaskID) {
		lg.Warn().Msg("duplicate fire while dispatch in flight; skipped")
		return Outcome{TaskID: f.TaskID, Skipped: true, Reason: "in flight"}
	}
	defer d.release(f.TaskID)

	task, err := d.store.Claim(ctx, f.TaskID, f.Recovery, d.now().UTC())
	if err != nil {
		out.Skipped, out.Err = true, err
		switch {
		case errors.Is(err, domain.ErrNotClaimable), errors.Is(err, domain.ErrNotFound):
			out.Reason = "not claimable"
			lg.Info().Err(err).Msg("fire skipped")
		default:
			out.Reason = "claim failed"
			lg.Error().Err(err).Msg("claim failed; task left for reconciliation")
		}
		return out
	}
	out.Attempt = task.Attempts
	lg = lg.With().Int("attempt", task.Attempts).Str("platform", task.Target.Platform).Logger()
	if f.Recovery {
		lg.Warn().Msg("re-dispatching task left RUNNING by a previous process")
	}

	start := d.now()
	status, result, callErr := domain.StatusFailed, json.RawMessage(nil), error(nil)
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("dispatch panic: %v", r)
				status = domain.StatusFailed
				result = kindResult("internal", map[string]any{"error": callErr.Error()})
			}
		}()
		status, result, callErr = d.call(ctx, task)
	}()
	out.Duration = d.now().Sub(start)
	out.Err = callErr

	if callErr != nil && ctx.Err() != nil && KindOf(callErr) == KindTransient {
		// The pool cancelled us during shutdown. The task stays RUNNING and
		// is re-dispatched by the next start's recovery.
		out.Skipped, out.Reason, out.Status = true, "interrupted", domain.StatusRunning
		lg.Warn().Err(callErr).Msg("dispatch interrupted by shutdown; left running for recovery")
		return out
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	stored, err := d.store.Finish(fctx, task.ID, task.Attempts, status, result, d.now().UTC())
	if err != nil {
		lg.Error().Err(err).Str("outcome", string(status)).Msg("record dispatch outcome failed")
		out.Err = errors.Join(callErr, err)
		return out
	}
	out.Status = stored

	ev := lg.Info()
	if callErr != nil {
		ev = lg.Warn().Err(callErr).Str("kind", string(KindOf(callErr)))
	}
	ev.Str("status", string(stored)).Dur("took", out.Duration).Dur("late", f.Late).Msg("task dispatched")
	return out
}

func (d *Dispatcher) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// InFlight returns the number of tasks currently being dispatched.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) call(ctx context.Context, t domain.Task) (domain.Status, json.RawMessage, error) {
	base, ok := d.baseURLs[t.Target.Platform]
	if !ok {
		err := &Error{Kind: KindConfiguration, Err: fmt.Errorf("no handler URL configured for platform %q", t.Target.Platform)}
		return domain.StatusFailed, kindResult(KindConfiguration, map[string]any{"error": err.Err.Error()}), err
	}

	body := []byte(t.Payload.Body)
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, joinURL(base, t.Payload.Endpoint), bytes.NewReader(body))
	if err != nil {
		cerr := &Error{Kind: KindConfiguration, Err: err}
		return domain.StatusFailed, kindResult(KindConfiguration, map[string]any{"error": err.Error()}), cerr
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", t.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		terr := &Error{Kind: KindTransient, Err: err}
		return domain.StatusFailed, kindResult(KindTransient, map[string]any{"error": err.Error()}), terr
	}
	defer resp.Body.Close()

	raw, err := readLimit(resp.Body, d.maxBody)
	truncated := errors.Is(err, ErrBodyTooLarge)
	if err != nil && !truncated {
		terr := &Error{Kind: KindTransient, Err: fmt.Errorf("read response: %w", err)}
		return domain.StatusFailed, kindResult(KindTransient, map[string]any{"error": terr.Err.Error()}), terr
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if truncated {
			b, _ := json.Marshal(truncatedResult(raw, d.maxBody))
			return domain.StatusCompleted, b, nil
		}
		return domain.StatusCompleted, jsonResult(raw), nil
	}
	perr := &Error{Kind: KindPermanent, StatusCode: resp.StatusCode, Body: string(raw)}
	fields := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(raw),
	}
	if truncated {
		fields["truncated"] = true
	}
	return domain.StatusFailed, kindResult(KindPermanent, fields), perr
}

func joinURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// jsonResult stores a handler's body as-is when it is JSON, as a JSON string
// otherwise, and as {} when empty.
func jsonResult(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(raw))
	return b
}

func kindResult[K ~string](kind K, fields map[string]any) json.RawMessage {
	fields["kind"] = string(kind)
	b, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{"kind":"` + string(kind) + `"}`)
	}
	return b
}
