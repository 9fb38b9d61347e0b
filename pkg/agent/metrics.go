package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/tiancaiamao/acp/pkg/session"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// Metrics aggregates turn and tool statistics for the process lifetime.
type Metrics struct {
	mu    sync.Mutex
	start time.Time
	turns map[session.TurnStatus]int64
	tools map[string]*ToolStats
}

// ToolStats holds aggregated statistics of one tool.
type ToolStats struct {
	Name          string        `json:"name"`
	CallCount     int64         `json:"callCount"`
	SuccessCount  int64         `json:"successCount"`
	FailCount     int64         `json:"failCount"`
	CancelCount   int64         `json:"cancelCount"`
	TotalDuration time.Duration `json:"totalDuration"`
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	Uptime time.Duration                `json:"uptime"`
	Turns  map[session.TurnStatus]int64 `json:"turns"`
	Tools  []ToolStats                  `json:"tools"`
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		start: time.Now(),
		turns: make(map[session.TurnStatus]int64),
		tools: make(map[string]*ToolStats),
	}
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(status session.TurnStatus) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[status]++
}

// RecordTool counts a finished tool call.
func (m *Metrics) RecordTool(obs tools.Observation, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tools[obs.Name]
	if !ok {
		st = &ToolStats{Name: obs.Name}
		m.tools[obs.Name] = st
	}
	st.CallCount++
	st.TotalDuration += d
	switch obs.Status {
	case tools.StatusCompleted:
		st.SuccessCount++
	case tools.StatusCancelled:
		st.CancelCount++
	default:
		st.FailCount++
	}
}

// Snapshot returns the current statistics, tools sorted by name.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Uptime: time.Since(m.start),
		Turns:  make(map[session.TurnStatus]int64, len(m.turns)),
	}
	for k, v := range m.turns {
		snap.Turns[k] = v
	}
	for _, st := range m.tools {
		snap.Tools = append(snap.Tools, *st)
	}
	sort.Slice(snap.Tools, func(i, j int) bool { return snap.Tools[i].Name < snap.Tools[j].Name })
	return snap
}
