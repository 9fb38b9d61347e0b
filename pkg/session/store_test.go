package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/acp/pkg/protocol"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sessions")
	return NewStore(dir, nil), dir
}

func prompt(text string) []protocol.ContentBlock {
	return []protocol.ContentBlock{protocol.TextBlock(text)}
}

// TestCreateValidatesWorkingDir tests rejection of unusable directories.
func TestCreateValidatesWorkingDir(t *testing.T) {
	st, _ := newTestStore(t)
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	for _, dir := range []string{"relative/dir", filepath.Join(t.TempDir(), "missing"), file} {
		_, err := st.Create(dir, nil)
		assert.ErrorIs(t, err, ErrInaccessible, dir)
	}
}

// TestCreatePersistsRecord tests that a new session is active and on disk.
func TestCreatePersistsRecord(t *testing.T) {
	st, dir := newTestStore(t)
	cwd := t.TempDir()
	servers := []protocol.MCPServer{{Name: "fs", Command: "mcp-fs", Args: []string{"--root", cwd}}}

	sess, err := st.Create(cwd, servers)
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())
	_, err = uuid.Parse(sess.ID())
	assert.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, sess.ID()+".json"))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, sess.ID(), rec.ID)
	assert.Equal(t, cwd, rec.CWD)
	assert.Equal(t, servers, rec.MCPServers)
}

// TestRoundTrip tests that a reloaded session has the history recorded
// before the restart.
func TestRoundTrip(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	_, _, err = sess.BeginTurn(context.Background(), prompt("list files"))
	require.NoError(t, err)
	sess.Record(protocol.AgentMessageChunk("here are "))
	sess.Record(protocol.ToolCallStarted("call-1", "List .", protocol.ToolKindRead, json.RawMessage(`{"path":"."}`), nil))
	sess.Record(protocol.ToolCallFinished("call-1", protocol.ToolStatusCompleted, "a.txt\nb.txt", json.RawMessage(`{"output":"a.txt\nb.txt","exitCode":0}`)))
	sess.EndTurn(TurnCompleted, protocol.StopEndTurn)

	_, _, err = sess.BeginTurn(context.Background(), prompt("again"))
	require.NoError(t, err)
	sess.EndTurn(TurnCancelled, protocol.StopCancelled)
	require.NoError(t, st.Checkpoint(sess))

	before, err := json.Marshal(sess.Turns())
	require.NoError(t, err)

	restarted := NewStore(dir, nil)
	loaded, err := restarted.Load(sess.ID())
	require.NoError(t, err)
	after, err := json.Marshal(loaded.Turns())
	require.NoError(t, err)

	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, sess.CWD(), loaded.CWD())
	assert.Equal(t, StateActive, loaded.State())
	turns := loaded.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, TurnCompleted, turns[0].Status)
	assert.Equal(t, protocol.StopEndTurn, turns[0].StopReason)
	require.Len(t, turns[0].Updates, 3)
	assert.Equal(t, "call-1", turns[0].Updates[2].ToolCallID)
	assert.Equal(t, TurnCancelled, turns[1].Status)
}

// TestLoadErrors tests NotFound and Corrupt classification.
func TestLoadErrors(t *testing.T) {
	st, dir := newTestStore(t)

	_, err := st.Load("not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Load("../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Load(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	id := uuid.NewString()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(`{"id":`), 0o644))
	_, err = st.Load(id)
	assert.ErrorIs(t, err, ErrCorrupt)

	other := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, other+".json"), []byte(`{"id":"`+id+`"}`), 0o644))
	_, err = st.Load(other)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// TestLoadReturnsLiveSession tests that a live session is not rehydrated.
func TestLoadReturnsLiveSession(t *testing.T) {
	st, _ := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	loaded, err := st.Load(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, loaded)
}

// TestBusy tests that a second turn is refused while one runs.
func TestBusy(t *testing.T) {
	st, _ := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	first, turnCtx, err := sess.BeginTurn(context.Background(), prompt("one"))
	require.NoError(t, err)

	_, _, err = sess.BeginTurn(context.Background(), prompt("two"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.NoError(t, turnCtx.Err(), "running turn must be unaffected")
	assert.Equal(t, TurnRunning, sess.Turns()[0].Status)

	sess.EndTurn(TurnCompleted, protocol.StopEndTurn)
	_, _, err = sess.BeginTurn(context.Background(), prompt("three"))
	assert.NoError(t, err)
	assert.Len(t, sess.Turns(), 2)
	assert.Equal(t, first.ID, sess.Turns()[0].ID)
}

// TestCancelThenPrompt tests that a prompt sent while the previous turn
// winds down waits for it instead of failing.
func TestCancelThenPrompt(t *testing.T) {
	st, _ := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	_, turnCtx, err := sess.BeginTurn(context.Background(), prompt("long"))
	require.NoError(t, err)
	require.NoError(t, st.Cancel(sess.ID()))
	assert.Equal(t, StateCancelling, sess.State())

	select {
	case <-turnCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("turn context not cancelled")
	}

	started := make(chan error, 1)
	go func() {
		_, _, err := sess.BeginTurn(context.Background(), prompt("next"))
		started <- err
	}()

	select {
	case <-started:
		t.Fatal("new turn started before the cancelled one ended")
	case <-time.After(50 * time.Millisecond):
	}

	sess.EndTurn(TurnCancelled, protocol.StopCancelled)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("new turn did not start after cancellation")
	}
	turns := sess.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, TurnCancelled, turns[0].Status)
	assert.Equal(t, TurnRunning, turns[1].Status)
}

// TestCancelNoOp tests the cases where cancel does nothing.
func TestCancelNoOp(t *testing.T) {
	st, _ := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	assert.False(t, sess.Cancel())
	assert.NoError(t, st.Cancel(sess.ID()))
	assert.Equal(t, StateActive, sess.State())

	require.NoError(t, st.Terminate(context.Background(), sess.ID()))
	assert.NoError(t, st.Cancel(sess.ID()))
	assert.Equal(t, StateTerminated, sess.State())

	assert.ErrorIs(t, st.Cancel(uuid.NewString()), ErrNotFound)
}

// TestTerminate tests that terminate waits for the running turn, persists
// and is idempotent.
func TestTerminate(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	_, turnCtx, err := sess.BeginTurn(context.Background(), prompt("work"))
	require.NoError(t, err)
	go func() {
		<-turnCtx.Done()
		sess.Record(protocol.AgentMessageChunk("stopping"))
		sess.EndTurn(TurnCancelled, protocol.StopCancelled)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, st.Terminate(ctx, sess.ID()))
	assert.Equal(t, StateTerminated, sess.State())
	assert.NoError(t, st.Terminate(ctx, sess.ID()))

	_, _, err = sess.BeginTurn(context.Background(), prompt("more"))
	assert.ErrorIs(t, err, ErrTerminated)

	reloaded, err := NewStore(dir, nil).Load(sess.ID())
	require.NoError(t, err)
	turns := reloaded.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, TurnCancelled, turns[0].Status)
	require.Len(t, turns[0].Updates, 1)

	// A terminated session can be resumed from its record.
	resumed, err := st.Load(sess.ID())
	require.NoError(t, err)
	assert.NotSame(t, sess, resumed)
	assert.Equal(t, StateActive, resumed.State())
}

// TestAwaitingPermission tests the permission wait state transitions.
func TestAwaitingPermission(t *testing.T) {
	st, _ := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	sess.SetAwaitingPermission(true)
	assert.Equal(t, StateActive, sess.State(), "no turn, no wait")

	_, _, err = sess.BeginTurn(context.Background(), prompt("x"))
	require.NoError(t, err)
	sess.SetAwaitingPermission(true)
	assert.Equal(t, StateAwaitingPermission, sess.State())
	sess.SetAwaitingPermission(false)
	assert.Equal(t, StateActive, sess.State())

	sess.SetAwaitingPermission(true)
	sess.Cancel()
	sess.SetAwaitingPermission(false)
	assert.Equal(t, StateCancelling, sess.State())
}

// TestList tests summaries, ordering and skipping of corrupt records.
func TestList(t *testing.T) {
	st, dir := newTestStore(t)

	summaries, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)

	a, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	b, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)
	_, _, err = a.BeginTurn(context.Background(), prompt("later"))
	require.NoError(t, err)
	a.EndTurn(TurnCompleted, protocol.StopEndTurn)
	require.NoError(t, st.Checkpoint(a))

	require.NoError(t, os.WriteFile(filepath.Join(dir, uuid.NewString()+".json"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	summaries, err = st.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, a.ID(), summaries[0].SessionID)
	assert.Equal(t, 1, summaries[0].Turns)
	assert.Equal(t, b.ID(), summaries[1].SessionID)
}

// TestClose tests that shutdown cancels running turns and persists them.
func TestClose(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	_, turnCtx, err := sess.BeginTurn(context.Background(), prompt("work"))
	require.NoError(t, err)
	go func() {
		<-turnCtx.Done()
		sess.EndTurn(TurnCancelled, protocol.StopCancelled)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, st.Close(ctx))

	reloaded, err := NewStore(dir, nil).Load(sess.ID())
	require.NoError(t, err)
	require.Len(t, reloaded.Turns(), 1)
	assert.Equal(t, TurnCancelled, reloaded.Turns()[0].Status)
}

// TestDelete tests that delete refuses a running turn, removes the record
// and drops the live session.
func TestDelete(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)
	record := filepath.Join(dir, sess.ID()+".json")

	_, _, err = sess.BeginTurn(context.Background(), prompt("work"))
	require.NoError(t, err)
	assert.ErrorIs(t, st.Delete(sess.ID()), ErrBusy)
	assert.FileExists(t, record)
	sess.EndTurn(TurnCompleted, protocol.StopEndTurn)

	require.NoError(t, st.Delete(sess.ID()))
	assert.NoFileExists(t, record)
	assert.Equal(t, StateTerminated, sess.State())
	_, err = st.Get(sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	// A late checkpoint does not bring the record back.
	require.NoError(t, st.Checkpoint(sess))
	assert.NoFileExists(t, record)

	assert.ErrorIs(t, st.Delete(sess.ID()), ErrNotFound)
	assert.ErrorIs(t, st.Delete("not-a-uuid"), ErrNotFound)
	_, err = st.Load(sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDeletePersistedOnly tests deleting a session that is not live.
func TestDeletePersistedOnly(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)

	other := NewStore(dir, nil)
	require.NoError(t, other.Delete(sess.ID()))
	list, err := other.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

// TestRebindBusy tests that a session cannot be rebound mid-turn.
func TestRebindBusy(t *testing.T) {
	st, _ := newTestStore(t)
	cwd := t.TempDir()
	sess, err := st.Create(cwd, nil)
	require.NoError(t, err)

	_, _, err = sess.BeginTurn(context.Background(), prompt("work"))
	require.NoError(t, err)
	assert.ErrorIs(t, sess.Rebind(t.TempDir(), nil), ErrBusy)
	assert.Equal(t, cwd, sess.CWD())

	sess.EndTurn(TurnCompleted, protocol.StopEndTurn)
	other := t.TempDir()
	require.NoError(t, sess.Rebind(other, nil))
	assert.Equal(t, other, sess.CWD())
}

// TestLoadInterruptedTurn tests that a turn persisted while running is
// rehydrated as cancelled.
func TestLoadInterruptedTurn(t *testing.T) {
	st, dir := newTestStore(t)
	sess, err := st.Create(t.TempDir(), nil)
	require.NoError(t, err)
	_, _, err = sess.BeginTurn(context.Background(), prompt("work"))
	require.NoError(t, err)
	require.NoError(t, st.Checkpoint(sess))

	loaded, err := NewStore(dir, nil).Load(sess.ID())
	require.NoError(t, err)
	turns := loaded.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, TurnCancelled, turns[0].Status)
	assert.Equal(t, protocol.StopCancelled, turns[0].StopReason)
}
