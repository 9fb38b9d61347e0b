package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// Notifier sends notifications to the client.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

type emitItem struct {
	update  protocol.SessionUpdate
	barrier chan struct{}
}

// Emitter delivers session updates in order. Each session has its own
// queue drained by one goroutine, so a slow session never reorders or
// delays another.
type Emitter struct {
	notifier Notifier
	logger   *slog.Logger
	ctx      context.Context
	stop     context.CancelFunc

	mu     sync.Mutex
	queues map[string]*Stream[emitItem]
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter sending through n.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Emitter{
		notifier: n,
		logger:   logger.With("component", "emitter"),
		ctx:      ctx,
		stop:     stop,
		queues:   make(map[string]*Stream[emitItem]),
	}
}

func (e *Emitter) queue(sessionID string, create bool) *Stream[emitItem] {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[sessionID]
	if ok || !create {
		return q
	}
	q = NewStream[emitItem]()
	e.queues[sessionID] = q
	e.wg.Add(1)
	go e.drain(sessionID, q)
	return q
}

func (e *Emitter) drain(sessionID string, q *Stream[emitItem]) {
	defer e.wg.Done()
	for {
		it, err := q.Next(e.ctx)
		if err != nil {
			return
		}
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		err = e.notifier.Notify(e.ctx, protocol.MethodSessionUpdate, protocol.SessionNotification{
			SessionID: sessionID,
			Update:    it.update,
		})
		if err != nil {
			// Dropped updates are not retransmitted; the turn history keeps them.
			e.logger.Warn("session update dropped", "session", sessionID, "update", it.update.SessionUpdate, "err", err)
		}
	}
}

// Emit queues an update for the session.
func (e *Emitter) Emit(sessionID string, update protocol.SessionUpdate) {
	if !e.queue(sessionID, true).Push(emitItem{update: update}) {
		e.logger.Debug("update after close", "session", sessionID, "update", update.SessionUpdate)
	}
}

// Flush waits until every update queued for the session so far has been
// handed to the transport.
func (e *Emitter) Flush(ctx context.Context, sessionID string) error {
	q := e.queue(sessionID, false)
	if q == nil {
		return nil
	}
	barrier := make(chan struct{})
	if !q.Push(emitItem{barrier: barrier}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is queued for the session and stops its goroutine.
func (e *Emitter) Close(sessionID string) {
	e.mu.Lock()
	q := e.queues[sessionID]
	delete(e.queues, sessionID)
	e.mu.Unlock()
	if q != nil {
		q.End()
	}
}

// Shutdown ends every queue and waits for the drains until ctx is done;
// then pending updates are abandoned.
func (e *Emitter) Shutdown(ctx context.Context) {
	e.mu.Lock()
	for id, q := range e.queues {
		q.End()
		delete(e.queues, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.stop()
		<-done
	}
	e.stop()
}
