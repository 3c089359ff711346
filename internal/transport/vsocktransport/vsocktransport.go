// Package vsocktransport dials AF_VSOCK connections to a guest microVM's
// command endpoint. Grounded on the dial-then-deadline pattern of the
// upstream vsock HTTP client, generalized here to a plain framed byte
// channel instead of an HTTP round-tripper since the command channel speaks
// its own length-prefixed framing rather than HTTP.
package vsocktransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/polunzh/aiva/internal/transport"
)

// Dialer connects to guest vsock listeners.
type Dialer struct{}

// New returns a vsock Dialer.
func New() *Dialer { return &Dialer{} }

var _ transport.Dialer = (*Dialer)(nil)

// Connect implements transport.Dialer.
func (d *Dialer) Connect(ctx context.Context, target transport.Target, timeout time.Duration) (transport.Channel, error) {
	vt, ok := target.(transport.VsockTarget)
	if !ok {
		return nil, fmt.Errorf("vsocktransport: unsupported target type %T", target)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := dialVsockContext(dialCtx, vt.CID, vt.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: vsock dial cid=%d port=%d: %v", transport.ErrConnectRefused, vt.CID, vt.Port, err)
	}

	return &channel{conn: conn}, nil
}

// dialVsockContext dials a vsock connection, honoring ctx cancellation since
// the underlying vsock.Dial has no context-aware variant.
func dialVsockContext(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

type channel struct {
	conn net.Conn
}

func (c *channel) Send(ctx context.Context, b []byte) error {
	if err := applyDeadline(ctx, c.conn); err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: vsock write: %v", transport.ErrIO, err)
	}
	return nil
}

func (c *channel) RecvExact(ctx context.Context, n int) ([]byte, error) {
	if err := applyDeadline(ctx, c.conn); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := readFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *channel) Readable() bool {
	_ = c.conn.SetReadDeadline(time.Now())
	defer c.conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	n, err := c.conn.Read(one)
	if n > 0 {
		return true
	}
	if err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// No data pending, but the peer hasn't closed either.
		return true
	}
	return false
}

func (c *channel) Close() error { return c.conn.Close() }

func applyDeadline(ctx context.Context, conn net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return fmt.Errorf("%w: set deadline: %v", transport.ErrIO, err)
		}
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("%w: vsock read: %v", transport.ErrIO, err)
		}
	}
	return total, nil
}
