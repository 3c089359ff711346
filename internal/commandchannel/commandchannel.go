// Package commandchannel implements the length-prefixed JSON request/response
// protocol spoken over a transport.Channel to submit work into a running
// microVM. Framing is a 4-byte big-endian length followed by a UTF-8 JSON
// document, chosen over the newline-delimited plain-text protocol the
// original vsock executor used so that binary stdin/stdout payloads survive
// the wire without escaping.
package commandchannel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polunzh/aiva/internal/transport"
)

// maxFrameBytes bounds a single frame to guard against a runaway peer
// claiming an absurd length prefix.
const maxFrameBytes = 64 << 20 // 64 MiB

var (
	// ErrBusy is returned by Execute when another request is already in flight.
	ErrBusy = errors.New("commandchannel: channel busy")
	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("commandchannel: channel closed")
	// ErrDecode indicates the peer sent a frame that failed to decode, or
	// whose echoed request id did not match — either way the channel is no
	// longer trustworthy and the caller should discard it.
	ErrDecode = errors.New("commandchannel: decode error")
	// ErrFrameTooLarge indicates a length prefix exceeded maxFrameBytes.
	ErrFrameTooLarge = errors.New("commandchannel: frame too large")
)

// Request is the wire schema for a single command submitted to the guest.
type Request struct {
	ID        uint64          `json:"id"`
	Cmd       string          `json:"cmd"`
	Args      json.RawMessage `json:"args,omitempty"`
	Stdin     []byte          `json:"stdin,omitempty"`
	TimeoutMS uint32          `json:"timeout_ms,omitempty"`
}

// Response is the wire schema for the guest's reply.
type Response struct {
	ID       uint64 `json:"id"`
	Status   string `json:"status"` // "ok" | "err"
	ExitCode *int32 `json:"exit_code,omitempty"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RemoteError wraps a non-"ok" Response so callers can inspect it via
// errors.As while still treating the call itself as having succeeded at
// the protocol level.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("commandchannel: remote error: %s", e.Message) }

// Channel wraps a transport.Channel with the framed request/response
// protocol and half-duplex bookkeeping.
type Channel struct {
	conn transport.Channel

	mu     sync.Mutex
	busy   bool
	closed bool

	nextID atomic.Uint64
}

// New wraps an already-connected transport.Channel.
func New(conn transport.Channel) *Channel {
	return &Channel{conn: conn}
}

// Ping issues the health-probe sentinel command.
func (c *Channel) Ping(ctx context.Context) error {
	resp, err := c.Execute(ctx, Request{Cmd: "ping"})
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &RemoteError{Message: resp.Error}
	}
	return nil
}

// Execute sends req and waits for the matching response, honoring req's
// TimeoutMS (falling back to ctx's own deadline when zero).
func (c *Channel) Execute(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return Response{}, ErrBusy
	}
	c.busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	req.ID = c.nextID.Add(1)

	execCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: encode request: %v", ErrDecode, err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if err := c.conn.Send(execCtx, frame); err != nil {
		return Response{}, err
	}

	lenBytes, err := c.conn.RecvExact(execCtx, 4)
	if err != nil {
		return Response{}, err
	}
	frameLen := binary.BigEndian.Uint32(lenBytes)
	if frameLen == 0 || frameLen > maxFrameBytes {
		return Response{}, fmt.Errorf("%w: length %d out of bounds", ErrFrameTooLarge, frameLen)
	}

	body, err := c.conn.RecvExact(execCtx, int(frameLen))
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrDecode, err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("%w: response id %d does not match request id %d", ErrDecode, resp.ID, req.ID)
	}

	return resp, nil
}

// Readable exposes the underlying transport's non-blocking peek, used by
// commandpool for liveness checks on idle channels.
func (c *Channel) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.busy {
		return true
	}
	return c.conn.Readable()
}

// Close closes the underlying transport. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
