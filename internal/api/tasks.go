package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"schedflow/internal/domain"
	"schedflow/internal/lifecycle"
)

type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type taskView struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Target      domain.Target   `json:"target"`
	TaskType    string          `json:"task_type"`
	TriggerAt   time.Time       `json:"trigger_at"`
	Payload     domain.Payload  `json:"payload"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Status      domain.Status   `json:"status"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Target:      t.Target,
		TaskType:    t.TaskType,
		TriggerAt:   t.TriggerAt.UTC(),
		Payload:     t.Payload,
		Credentials: t.Credentials,
		Status:      t.Status,
		Attempts:    t.Attempts,
		Result:      t.Result,
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
}

type taskList struct {
	Tasks []taskView `json:"tasks"`
	Total int        `json:"total"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body: "+err.Error())
		return
	}
	t, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Scheduled task created.", Data: viewOf(t)})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tasks, err := s.svc.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := taskList{Tasks: make([]taskView, 0, len(tasks)), Total: len(tasks)}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, viewOf(t))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Tasks retrieved.", Data: out})
}

func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{
		OwnerID:  q.Get("owner_id"),
		Status:   domain.Status(q.Get("status")),
		Platform: q.Get("platform"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, domain.Invalid("status", fmt.Sprintf("must be one of %v", domain.Statuses))
	}
	if f.Platform != "" && !domain.KnownPlatform(f.Platform) {
		return f, domain.Invalid("platform", fmt.Sprintf("must be one of %v", domain.Platforms))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, domain.Invalid("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Task retrieved.", Data: viewOf(t)})
}

type attemptView struct {
	Attempt    int           `json:"attempt"`
	Recovery   bool          `json:"recovery"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at"`
	Outcome    domain.Status `json:"outcome,omitempty"`
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.svc.Attempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			Attempt:    a.Number,
			Recovery:   a.Recovery,
			StartedAt:  a.StartedAt.UTC(),
			FinishedAt: a.FinishedAt,
			Outcome:    a.Outcome,
		})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Attempts retrieved.", Data: views})
}

// deleteTask cancels a task, or deletes it for good with ?purge=true.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if err := s.svc.Purge(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Task purged."})
		return
	}

	changed, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "Task cancelled."
	if !changed {
		msg = "Task already finished; nothing to cancel."
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: map[string]bool{"cancelled": changed}})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg, ErrorCode: errCode})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
