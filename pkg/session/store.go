package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiancaiamao/acp/pkg/protocol"
)

// Record is the persisted form of a session, one JSON file per session.
type Record struct {
	ID         string               `json:"id"`
	CWD        string               `json:"cwd"`
	MCPServers []protocol.MCPServer `json:"mcpServers,omitempty"`
	Turns      []Turn               `json:"turns,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// Summary describes a persisted session.
type Summary struct {
	SessionID string    `json:"sessionId"`
	CWD       string    `json:"cwd"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store owns every live session and their persisted records.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates a store persisting under dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		dir:      dir,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Dir returns the sessions directory.
func (st *Store) Dir() string { return st.dir }

// ValidateWorkingDir checks that dir is absolute, exists, is a directory
// and can be listed.
func ValidateWorkingDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", ErrInaccessible, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInaccessible, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInaccessible, dir)
	}
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInaccessible, err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInaccessible, err)
	}
	return nil
}

// Create creates, persists and registers a new active session.
func (st *Store) Create(cwd string, servers []protocol.MCPServer) (*Session, error) {
	cwd = filepath.Clean(cwd)
	if err := ValidateWorkingDir(cwd); err != nil {
		return nil, err
	}
	sess := newSession(uuid.NewString(), cwd, servers, time.Now().UTC())
	if err := st.Checkpoint(sess); err != nil {
		return nil, err
	}
	sess.activate()

	st.mu.Lock()
	st.sessions[sess.ID()] = sess
	st.mu.Unlock()
	st.logger.Info("session created", "session", sess.ID(), "cwd", cwd)
	return sess, nil
}

// Load returns the live session with id, or rehydrates it from its record.
// A terminated live session is replaced by a fresh rehydration.
func (st *Store) Load(id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	st.mu.RLock()
	live, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok && live.State() != StateTerminated {
		return live, nil
	}

	rec, err := st.read(id)
	if err != nil {
		return nil, err
	}
	sess := fromRecord(rec)
	sess.activate()

	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.sessions[id]; ok && cur.State() != StateTerminated {
		return cur, nil
	}
	st.sessions[id] = sess
	st.logger.Info("session loaded", "session", id, "turns", len(rec.Turns))
	return sess, nil
}

// Get returns a live session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sess, nil
}

// Cancel cancels the running turn of a live session. It is a no-op
// without a running turn or on a terminated session.
func (st *Store) Cancel(id string) error {
	sess, err := st.Get(id)
	if err != nil {
		return err
	}
	if sess.Cancel() {
		st.logger.Info("turn cancel requested", "session", id)
	}
	return nil
}

// Terminate cancels any running turn, waits for it, persists the record
// and marks the session terminated. Terminating twice is not an error.
func (st *Store) Terminate(ctx context.Context, id string) error {
	sess, err := st.Get(id)
	if err != nil {
		return err
	}
	done, first := sess.terminate()
	if !first {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := st.Checkpoint(sess); err != nil {
		return err
	}
	st.logger.Info("session terminated", "session", id)
	return nil
}

// Close cancels all running turns, waits for them until ctx ends and
// persists every live session.
func (st *Store) Close(ctx context.Context) error {
	st.mu.RLock()
	live := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		live = append(live, sess)
	}
	st.mu.RUnlock()

	var errs []error
	for _, sess := range live {
		select {
		case <-sess.cancelAndWait():
		case <-ctx.Done():
			st.logger.Warn("turn still running at shutdown", "session", sess.ID())
		}
		if err := st.Checkpoint(sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Checkpoint atomically writes the session record.
func (st *Store) Checkpoint(sess *Session) error {
	sess.persistMu.Lock()
	defer sess.persistMu.Unlock()
	if sess.deleted {
		return nil
	}

	data, err := json.Marshal(sess.record())
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID(), err)
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	tmp, err := os.CreateTemp(st.dir, sess.ID()+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint session %s: %w", sess.ID(), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint session %s: %w", sess.ID(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint session %s: %w", sess.ID(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", sess.ID(), err)
	}
	if err := os.Rename(tmp.Name(), st.path(sess.ID())); err != nil {
		return fmt.Errorf("checkpoint session %s: %w", sess.ID(), err)
	}
	st.logger.Debug("session checkpointed", "session", sess.ID(), "bytes", len(data))
	return nil
}

// Delete removes the record of a session and drops it from the live set.
// It fails with ErrBusy while a turn runs and ErrNotFound when there is no
// record.
func (st *Store) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	st.mu.Lock()
	sess, live := st.sessions[id]
	if live {
		if err := sess.retire(); err != nil {
			st.mu.Unlock()
			return err
		}
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if live {
		sess.persistMu.Lock()
		defer sess.persistMu.Unlock()
		sess.deleted = true
	}
	err := os.Remove(st.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	st.logger.Info("session deleted", "session", id)
	return nil
}

// List summarizes persisted sessions, most recently updated first.
// Unreadable records are skipped.
func (st *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(st.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		rec, err := st.read(id)
		if err != nil {
			st.logger.Warn("skipping session record", "session", id, "err", err)
			continue
		}
		out = append(out, Summary{SessionID: rec.ID, CWD: rec.CWD, Turns: len(rec.Turns), UpdatedAt: rec.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (st *Store) read(id string) (Record, error) {
	data, err := os.ReadFile(st.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read session %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.ID != id {
		return Record{}, fmt.Errorf("%w: record id %q does not match %q", ErrCorrupt, rec.ID, id)
	}
	return rec, nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}
