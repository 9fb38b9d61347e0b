package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultMaxMessageBytes bounds a single inbound frame.
const DefaultMaxMessageBytes = 32 << 20

var (
	// ErrClosed is returned by writes and calls after the connection is gone.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrFrameTooLarge is returned for a frame over the size limit. The
	// frame has been discarded and reading may continue.
	ErrFrameTooLarge = errors.New("rpc: frame exceeds maximum size")
)

// Transport frames messages as newline-delimited JSON: one message per
// line, terminated by '\n'. Reads happen on the caller's goroutine; all
// writes go through a single writer goroutine so frames never interleave.
type Transport struct {
	r   *bufio.Reader
	w   io.Writer
	max int

	out  chan writeRequest
	quit chan struct{}
	dead chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	err       error
}

type writeRequest struct {
	data []byte
	done chan error
}

// NewTransport creates a transport and starts its writer. maxMessageBytes
// <= 0 selects DefaultMaxMessageBytes.
func NewTransport(r io.Reader, w io.Writer, maxMessageBytes int) *Transport {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	t := &Transport{
		r:    bufio.NewReaderSize(r, 64*1024),
		w:    w,
		max:  maxMessageBytes,
		out:  make(chan writeRequest),
		quit: make(chan struct{}),
		dead: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// ReadFrame returns the next non-empty frame without its terminator. It
// returns io.EOF when the input is exhausted and ErrFrameTooLarge, which
// is not fatal, for oversize frames.
func (t *Transport) ReadFrame() ([]byte, error) {
	for {
		line, err := t.readLine()
		if errors.Is(err, ErrFrameTooLarge) {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

func (t *Transport) readLine() ([]byte, error) {
	var buf []byte
	oversize := false
	for {
		chunk, err := t.r.ReadSlice('\n')
		if !oversize {
			if len(buf)+len(chunk) > t.max {
				oversize = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversize {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, ErrFrameTooLarge
		}
		return buf, err
	}
}

// WriteFrame enqueues one frame and waits until it has been written.
func (t *Transport) WriteFrame(ctx context.Context, frame []byte) error {
	req := writeRequest{data: frame, done: make(chan error, 1)}
	select {
	case t.out <- req:
	case <-t.quit:
		return ErrClosed
	case <-t.dead:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.done
}

func (t *Transport) writeLoop() {
	for {
		select {
		case req := <-t.out:
			line := make([]byte, 0, len(req.data)+1)
			line = append(line, req.data...)
			line = append(line, '\n')
			_, err := t.w.Write(line)
			req.done <- err
			if err != nil {
				t.fail(err)
				return
			}
		case <-t.quit:
			return
		}
	}
}

func (t *Transport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.dead)
	})
}

// Dead is closed after a write failure.
func (t *Transport) Dead() <-chan struct{} {
	return t.dead
}

// Err returns the write error that killed the transport, if any.
func (t *Transport) Err() error {
	select {
	case <-t.dead:
		return t.err
	default:
		return nil
	}
}

// Close stops the writer. Pending and later writes fail with ErrClosed.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
}
