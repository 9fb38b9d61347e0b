package traceevent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Recorder streams trace events to a file as a JSON array. The array is
// terminated on Close; viewers also accept an unterminated one, so a
// crashed process still leaves a usable trace.
type Recorder struct {
	mu     sync.Mutex
	w      io.WriteCloser
	pid    int
	count  int
	tracks map[string]bool
	err    error
	closed bool
}

// Create opens path for writing and returns a recorder.
func Create(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	return NewRecorder(f)
}

// NewRecorder writes to w and closes it on Close.
func NewRecorder(w io.WriteCloser) (*Recorder, error) {
	r := &Recorder{w: w, pid: os.Getpid(), tracks: make(map[string]bool)}
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return nil, err
	}
	r.write(map[string]any{
		"name": "process_name",
		"ph":   "M",
		"pid":  r.pid,
		"args": map[string]any{"name": "acp"},
	})
	return r, nil
}

// Record writes one event. Write errors are kept and reported by Close.
func (r *Recorder) Record(event TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.closed {
		return
	}
	tid := threadIDForTrack(event.Track)
	if !r.tracks[event.Track] {
		r.tracks[event.Track] = true
		r.write(map[string]any{
			"name": "thread_name",
			"ph":   "M",
			"pid":  r.pid,
			"tid":  tid,
			"args": map[string]any{"name": trackName(event.Track)},
		})
	}
	r.write(buildTraceEventJSON(r.pid, tid, event))
}

// Close terminates the array and closes the file. Later calls return the
// first result.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.err
	}
	r.closed = true
	if r.err == nil {
		_, r.err = io.WriteString(r.w, "\n]\n")
	}
	if err := r.w.Close(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

func (r *Recorder) write(obj map[string]any) {
	data, err := json.Marshal(obj)
	if err != nil {
		r.err = err
		return
	}
	if r.count > 0 {
		data = append([]byte(",\n"), data...)
	}
	if _, err := r.w.Write(data); err != nil {
		r.err = err
		return
	}
	r.count++
}

// buildTraceEventJSON creates a JSON object for a single trace event.
func buildTraceEventJSON(pid, tid int, event TraceEvent) map[string]any {
	item := map[string]any{
		"name": event.Name,
		"cat":  event.Category.String(),
		"ph":   string(event.Phase),
		"ts":   event.Timestamp.UnixMicro(),
		"pid":  pid,
		"tid":  tid,
	}
	switch event.Phase {
	case PhaseComplete:
		item["dur"] = event.Duration.Microseconds()
	case PhaseInstant:
		item["s"] = "t" // thread scoped instant event
	}
	if len(event.Fields) > 0 {
		args := make(map[string]any, len(event.Fields))
		for _, f := range event.Fields {
			args[f.Key] = f.Value
		}
		item["args"] = args
	}
	return item
}

// threadIDForTrack gives every track a stable row. Track "" is row 0.
func threadIDForTrack(track string) int {
	if track == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(track))
	return 1 + int(h.Sum32()%100000)
}

func trackName(track string) string {
	if track == "" {
		return "process"
	}
	return "session " + track
}
