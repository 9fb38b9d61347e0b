// Package http serves runtime metrics and profiling on a debug address.
// The ACP protocol itself never goes over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"time"

	"github.com/tiancaiamao/acp/pkg/agent"
	"github.com/tiancaiamao/acp/pkg/session"
)

// MetricsHandler provides HTTP endpoints for metrics.
type MetricsHandler struct {
	metrics *agent.Metrics
}

// NewMetricsHandler creates a new metrics HTTP handler.
func NewMetricsHandler(metrics *agent.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// RegisterRoutes registers metrics endpoints with HTTP mux.
func (h *MetricsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/metrics/tools", h.handleToolMetrics)
	mux.HandleFunc("/metrics/health", h.handleHealth)
	mux.HandleFunc("/metrics/prometheus", h.handlePrometheus)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleMetrics returns the full metrics snapshot as JSON.
func (h *MetricsHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.metrics.Snapshot())
}

// handleToolMetrics returns tool statistics, or one tool's with ?tool=name.
func (h *MetricsHandler) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	name := r.URL.Query().Get("tool")
	if name == "" {
		writeJSON(w, snap.Tools)
		return
	}
	for _, st := range snap.Tools {
		if st.Name == name {
			writeJSON(w, st)
			return
		}
	}
	http.Error(w, fmt.Sprintf("no calls of tool %q", name), http.StatusNotFound)
}

func (h *MetricsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	var turns int64
	for _, n := range snap.Turns {
		turns += n
	}
	writeJSON(w, struct {
		Status string        `json:"status"`
		Uptime time.Duration `json:"uptime"`
		Turns  int64         `json:"turns"`
	}{
		Status: "healthy",
		Uptime: snap.Uptime,
		Turns:  turns,
	})
}

// handlePrometheus returns metrics in Prometheus text format.
func (h *MetricsHandler) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	snap := h.metrics.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP acp_uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE acp_uptime_seconds gauge\n")
	fmt.Fprintf(w, "acp_uptime_seconds %.2f\n", snap.Uptime.Seconds())

	statuses := make([]session.TurnStatus, 0, len(snap.Turns))
	for status := range snap.Turns {
		statuses = append(statuses, status)
	}
	slices.Sort(statuses)
	fmt.Fprintf(w, "\n# HELP acp_turns_total Finished prompt turns by status\n")
	fmt.Fprintf(w, "# TYPE acp_turns_total counter\n")
	for _, status := range statuses {
		fmt.Fprintf(w, "acp_turns_total{status=%q} %d\n", status, snap.Turns[status])
	}

	fmt.Fprintf(w, "\n# HELP acp_tool_calls_total Tool calls by tool and outcome\n")
	fmt.Fprintf(w, "# TYPE acp_tool_calls_total counter\n")
	for _, st := range snap.Tools {
		fmt.Fprintf(w, "acp_tool_calls_total{tool=%q,outcome=\"completed\"} %d\n", st.Name, st.SuccessCount)
		fmt.Fprintf(w, "acp_tool_calls_total{tool=%q,outcome=\"failed\"} %d\n", st.Name, st.FailCount)
		fmt.Fprintf(w, "acp_tool_calls_total{tool=%q,outcome=\"cancelled\"} %d\n", st.Name, st.CancelCount)
	}

	fmt.Fprintf(w, "\n# HELP acp_tool_duration_seconds Time spent in tool calls\n")
	fmt.Fprintf(w, "# TYPE acp_tool_duration_seconds summary\n")
	for _, st := range snap.Tools {
		fmt.Fprintf(w, "acp_tool_duration_seconds_sum{tool=%q} %.3f\n", st.Name, st.TotalDuration.Seconds())
		fmt.Fprintf(w, "acp_tool_duration_seconds_count{tool=%q} %d\n", st.Name, st.CallCount)
	}
}

// NewDebugMux returns a mux with the metrics endpoints and pprof.
func NewDebugMux(metrics *agent.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	NewMetricsHandler(metrics).RegisterRoutes(mux)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve runs the debug server on addr until ctx is done.
func Serve(ctx context.Context, addr string, metrics *agent.Metrics, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: NewDebugMux(metrics), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("debug server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
