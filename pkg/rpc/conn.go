package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"
)

// Handler serves one inbound request or notification. The returned value
// is marshalled as the result. Errors of type *Error reach the peer as is;
// any other error is logged and reported as an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Route binds a method to its handler.
type Route struct {
	Handler Handler
	// Notification allows the method to arrive without an id.
	Notification bool
	// Inline runs the handler on the read loop. Inline handlers must not
	// issue calls back to the peer.
	Inline bool
}

// Gate is consulted before every inbound request or notification. A
// non-nil error rejects the message.
type Gate func(method string) error

// Options configures a Conn.
type Options struct {
	Logger          *slog.Logger
	MaxMessageBytes int
	Gate            Gate
	// ShutdownGrace bounds how long Serve waits for running handlers once
	// the input is closed.
	ShutdownGrace time.Duration
}

// Conn is a bidirectional JSON-RPC connection. It dispatches inbound
// requests through a fixed route table and correlates outbound requests
// with their responses.
type Conn struct {
	t      *Transport
	routes map[string]Route
	gate   Gate
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	handlers sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type pendingCall struct {
	method string
	issued time.Time
	ch     chan *Message
}

// NewConn creates a connection over r and w. The route table is copied
// and cannot change afterwards.
func NewConn(r io.Reader, w io.Writer, routes map[string]Route, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	table := make(map[string]Route, len(routes))
	for method, route := range routes {
		table[method] = route
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		t:       NewTransport(r, w, opts.MaxMessageBytes),
		routes:  table,
		gate:    opts.Gate,
		logger:  logger.With("component", "rpc"),
		grace:   opts.ShutdownGrace,
		pending: make(map[int64]*pendingCall),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve reads and dispatches messages until the input reaches EOF, ctx is
// cancelled, or the transport fails. EOF and cancellation return nil.
// Before returning, every pending outbound call is resolved with ErrClosed,
// handler contexts are cancelled, and running handlers get ShutdownGrace
// to finish.
func (c *Conn) Serve(ctx context.Context) error {
	type frame struct {
		data []byte
		err  error
	}
	frames := make(chan frame)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			data, err := c.t.ReadFrame()
			select {
			case frames <- frame{data, err}:
			case <-stop:
				return
			}
			if err != nil && !errors.Is(err, ErrFrameTooLarge) {
				return
			}
		}
	}()

	var serveErr error
loop:
	for {
		select {
		case f := <-frames:
			if errors.Is(f.err, ErrFrameTooLarge) {
				c.logger.Warn("discarding oversize frame")
				c.writeError(nil, ParseError(f.err.Error()))
				continue
			}
			if errors.Is(f.err, io.EOF) {
				c.logger.Info("input closed")
				break loop
			}
			if f.err != nil {
				serveErr = fmt.Errorf("read frame: %w", f.err)
				break loop
			}
			c.handleFrame(f.data)
		case <-c.t.Dead():
			serveErr = fmt.Errorf("write frame: %w", c.t.Err())
			break loop
		case <-ctx.Done():
			c.logger.Info("serve cancelled")
			break loop
		}
	}

	c.teardown()
	return serveErr
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()
	for id, pc := range pending {
		c.logger.Debug("abandoning outbound call", "id", id, "method", pc.method)
		close(pc.ch)
	}

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(done)
	}()
	if c.grace > 0 {
		select {
		case <-done:
		case <-time.After(c.grace):
			c.logger.Warn("handlers still running after shutdown grace", "grace", c.grace)
		}
	} else {
		<-done
	}
	c.t.Close()
}

// Call sends a request to the peer and waits for its response. The result
// is unmarshalled into result unless result is nil. If ctx ends first the
// call is abandoned and a late response will be dropped.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{method: method, issued: time.Now(), ch: make(chan *Message, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	msg := Message{JSONRPC: Version, ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method, Params: raw}
	if err := c.write(ctx, &msg); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	var resp *Message
	var ok bool
	select {
	case resp, ok = <-pc.ch:
	case <-ctx.Done():
		if c.forget(id) {
			c.logger.Debug("outbound call abandoned", "id", id, "method", method,
				"elapsed", time.Since(pc.issued), "err", ctx.Err())
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
		// The response won the race and is already in the slot.
		resp, ok = <-pc.ch
	}
	if !ok {
		return ErrClosed
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// forget removes a pending call. It reports whether the caller removed it
// and therefore owns its resolution.
func (c *Conn) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Pending returns the number of unresolved outbound calls.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Notify sends a notification to the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.write(ctx, &Message{JSONRPC: Version, Method: method, Params: raw})
}

func (c *Conn) write(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.t.WriteFrame(ctx, data)
}

func (c *Conn) handleFrame(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed message", "err", err)
		c.writeError(nil, ParseError(err.Error()))
		return
	}
	switch {
	case msg.IsResponse():
		c.resolve(&msg)
	case msg.Method != "":
		c.dispatch(&msg)
	default:
		c.logger.Warn("message is neither request nor response")
		c.writeError(msg.ID, InvalidRequest("missing method"))
	}
}

func (c *Conn) resolve(msg *Message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Warn("dropping response with foreign id", "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("dropping response for unknown id", "id", id)
		return
	}
	pc.ch <- msg
}

func (c *Conn) dispatch(msg *Message) {
	isRequest := msg.IsRequest()
	if msg.JSONRPC != Version {
		if isRequest {
			c.writeError(msg.ID, InvalidRequest("jsonrpc must be \"2.0\""))
		}
		return
	}
	route, ok := c.routes[msg.Method]
	if !ok {
		c.logger.Warn("unknown method", "method", msg.Method)
		if isRequest {
			c.writeError(msg.ID, MethodNotFound(msg.Method))
		}
		return
	}
	if !isRequest && !route.Notification {
		c.logger.Warn("dropping notification for request-only method", "method", msg.Method)
		return
	}
	if c.gate != nil {
		if err := c.gate(msg.Method); err != nil {
			c.logger.Debug("method rejected by gate", "method", msg.Method, "err", err)
			if isRequest {
				c.writeError(msg.ID, toWireError(err))
			}
			return
		}
	}

	if route.Inline {
		c.run(route, msg)
		return
	}
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.run(route, msg)
	}()
}

func (c *Conn) run(route Route, msg *Message) {
	result, err := c.invoke(route.Handler, msg)
	if !msg.IsRequest() {
		if err != nil {
			c.logger.Warn("notification handler failed", "method", msg.Method, "err", err)
		}
		return
	}
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			c.logger.Error("handler failed", "method", msg.Method, "err", err)
		}
		c.writeError(msg.ID, toWireError(err))
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("marshal result", "method", msg.Method, "err", err)
		c.writeError(msg.ID, InternalError())
		return
	}
	if err := c.write(context.Background(), &Message{JSONRPC: Version, ID: msg.ID, Result: raw}); err != nil {
		c.logger.Warn("write response", "method", msg.Method, "err", err)
	}
}

func (c *Conn) invoke(h Handler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "method", msg.Method, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, InternalError()
		}
	}()
	return h(c.ctx, msg.Params)
}

func (c *Conn) writeError(id json.RawMessage, e *Error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if err := c.write(context.Background(), &Message{JSONRPC: Version, ID: id, Error: e}); err != nil {
		c.logger.Warn("write error response", "code", e.Code, "err", err)
	}
}

func toWireError(err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return InternalError()
}
