package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"schedflow/internal/domain"
)

// metrics renders counters in the Prometheus text exposition format.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("collect metrics")
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}

	var b strings.Builder
	b.WriteString("# TYPE schedflow_up gauge\nschedflow_up 1\n")
	b.WriteString("# TYPE schedflow_tasks gauge\n")
	for _, status := range domain.Statuses {
		fmt.Fprintf(&b, "schedflow_tasks{status=%q} %d\n", string(status), st.Tasks[status])
	}
	fmt.Fprintf(&b, "# TYPE schedflow_triggers_pending gauge\nschedflow_triggers_pending %d\n", st.PendingTriggers)
	fmt.Fprintf(&b, "# TYPE schedflow_pool_workers gauge\nschedflow_pool_workers %d\n", st.Pool.Workers)
	fmt.Fprintf(&b, "# TYPE schedflow_pool_queued gauge\nschedflow_pool_queued %d\n", st.Pool.Queued)
	fmt.Fprintf(&b, "# TYPE schedflow_pool_busy gauge\nschedflow_pool_busy %d\n", st.Pool.Busy)
	fmt.Fprintf(&b, "# TYPE schedflow_dispatch_executed_total counter\nschedflow_dispatch_executed_total %d\n", st.Pool.Executed)
	fmt.Fprintf(&b, "# TYPE schedflow_dispatch_dropped_total counter\nschedflow_dispatch_dropped_total %d\n", st.Pool.Dropped)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
