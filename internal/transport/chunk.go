// Package transport opens the long-lived observation response stream and
// exposes it as a pull-based sequence of raw byte chunks.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"rtio-observer/internal/protocol"

	"github.com/rs/zerolog"
)

const defaultReadSize = 4096

var (
	// ErrStreamEnded is returned once the peer has closed the stream cleanly.
	ErrStreamEnded = errors.New("stream ended")

	// ErrCancelled is returned when the caller cancelled the stream.
	ErrCancelled = errors.New("stream cancelled")
)

// Error is a transport failure: the connection or the protocol broke.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request addresses one device behind an RTIO service.
type Request struct {
	Service  string
	DeviceID string
	Body     protocol.Request
}

// URL returns the device-addressed endpoint.
func (r Request) URL() (string, error) {
	if r.DeviceID == "" {
		return "", fmt.Errorf("missing device id")
	}
	u, err := url.Parse(r.Service)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("invalid service URL %q", r.Service)
	}
	return u.JoinPath(r.DeviceID).String(), nil
}

// ChunkSource yields the body of an open streaming response chunk by chunk.
// It is single-pass and must be consumed from one goroutine; Close may be
// called from any goroutine.
type ChunkSource struct {
	body      io.ReadCloser
	buf       []byte
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
	bytesRead int64
}

// Open issues the streaming POST described by req. A context that is already
// done, or is cancelled while waiting for the response, yields ErrCancelled.
func Open(ctx context.Context, client *http.Client, req Request) (*ChunkSource, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if client == nil {
		client = http.DefaultClient
	}

	endpoint, err := req.URL()
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &Error{Op: "open", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &Error{Op: "open", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	zerolog.Ctx(ctx).Debug().
		Str("url", endpoint).
		Str("method", req.Body.Method).
		Str("uri", req.Body.URI).
		Msg("stream opened")

	return &ChunkSource{
		body: resp.Body,
		buf:  make([]byte, defaultReadSize),
	}, nil
}

// Next blocks until the next chunk arrives. The returned slice is owned by
// the caller. Terminal outcomes are ErrStreamEnded, ErrCancelled or *Error;
// the connection is released before any of them is returned, and every later
// call returns the same error.
func (s *ChunkSource) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if ctx.Err() != nil || s.closed.Load() {
		return nil, s.terminate(ErrCancelled)
	}

	// Closing the body is what interrupts a blocked Read.
	stop := context.AfterFunc(ctx, s.release)
	n, err := s.body.Read(s.buf)
	stop()

	if ctx.Err() != nil || s.closed.Load() {
		return nil, s.terminate(ErrCancelled)
	}
	if n > 0 {
		s.bytesRead += int64(n)
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		if err != nil {
			// Deliver the data now, report the outcome on the next call.
			s.terminate(classify(err))
		}
		return chunk, nil
	}
	if err == nil {
		// Zero-byte read without error; try again on the next call.
		return []byte{}, nil
	}
	return nil, s.terminate(classify(err))
}

// BytesRead reports how many body bytes have been delivered so far.
func (s *ChunkSource) BytesRead() int64 { return s.bytesRead }

// Close releases the connection. It is safe to call more than once and
// concurrently with Next; a pending Next returns ErrCancelled.
func (s *ChunkSource) Close() error {
	s.closed.Store(true)
	s.release()
	return nil
}

func (s *ChunkSource) release() {
	s.closeOnce.Do(func() {
		s.body.Close()
	})
}

func (s *ChunkSource) terminate(err error) error {
	s.release()
	s.err = err
	return err
}

func classify(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamEnded
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return &Error{Op: "read", Err: err}
}
