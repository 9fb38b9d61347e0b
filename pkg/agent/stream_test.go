package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/acp/pkg/protocol"
)

func TestStreamOrder(t *testing.T) {
	s := NewStream[int]()
	for i := range 100 {
		require.True(t, s.Push(i))
	}
	s.End()
	assert.False(t, s.Push(100))

	for i := range 100 {
		v, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamBlockingNext(t *testing.T) {
	s := NewStream[string]()
	got := make(chan string)
	go func() {
		v, err := s.Next(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	s.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken")
	}

	done := make(chan error)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.End()
	assert.ErrorIs(t, <-done, io.EOF)
}

func TestStreamNextCancelled(t *testing.T) {
	s := NewStream[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned reader must not swallow later values.
	s.Push(1)
	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

type notification struct {
	method string
	params protocol.SessionNotification
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []notification
	delay time.Duration
}

func (n *fakeNotifier) Notify(ctx context.Context, method string, params any) error {
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{method: method, params: params.(protocol.SessionNotification)})
	return nil
}

func (n *fakeNotifier) texts(sessionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.params.SessionID == sessionID && s.params.Update.Content != nil {
			out = append(out, s.params.Update.Content.Text)
		}
	}
	return out
}

func TestEmitterOrderAndFlush(t *testing.T) {
	n := &fakeNotifier{delay: time.Millisecond}
	e := NewEmitter(n, nil)
	defer e.Shutdown(context.Background())

	var want []string
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		e.Emit("s1", protocol.AgentMessageChunk(s))
		e.Emit("s2", protocol.AgentMessageChunk(s+s))
		want = append(want, s)
	}
	require.NoError(t, e.Flush(context.Background(), "s1"))
	assert.Equal(t, want, n.texts("s1"))
	assert.Equal(t, protocol.MethodSessionUpdate, n.sent[0].method)

	require.NoError(t, e.Flush(context.Background(), "s2"))
	assert.Equal(t, []string{"aa", "bb", "cc", "dd", "ee"}, n.texts("s2"))

	assert.NoError(t, e.Flush(context.Background(), "unknown"))
}

func TestEmitterCloseDelivers(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEmitter(n, nil)
	e.Emit("s1", protocol.AgentMessageChunk("last"))
	e.Close("s1")
	e.Shutdown(context.Background())
	assert.Equal(t, []string{"last"}, n.texts("s1"))
}
