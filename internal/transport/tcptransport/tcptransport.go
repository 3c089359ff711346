// Package tcptransport dials TCP connections, used for the loopback path
// into a nested helper's forwarded vsock port on macOS and Windows.
package tcptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/polunzh/aiva/internal/transport"
)

// Dialer connects to TCP endpoints.
type Dialer struct {
	net.Dialer
}

// New returns a TCP Dialer.
func New() *Dialer { return &Dialer{} }

var _ transport.Dialer = (*Dialer)(nil)

// Connect implements transport.Dialer.
func (d *Dialer) Connect(ctx context.Context, target transport.Target, timeout time.Duration) (transport.Channel, error) {
	tt, ok := target.(transport.TCPTarget)
	if !ok {
		return nil, fmt.Errorf("tcptransport: unsupported target type %T", target)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(tt.Host, fmt.Sprintf("%d", tt.Port))
	conn, err := d.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tcp dial %s", transport.ErrConnectTimeout, addr)
		}
		return nil, fmt.Errorf("%w: tcp dial %s: %v", transport.ErrConnectRefused, addr, err)
	}

	return &channel{conn: conn}, nil
}

type channel struct {
	conn net.Conn
}

func (c *channel) Send(ctx context.Context, b []byte) error {
	if err := applyDeadline(ctx, c.conn); err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: tcp write: %v", transport.ErrIO, err)
	}
	return nil
}

func (c *channel) RecvExact(ctx context.Context, n int) ([]byte, error) {
	if err := applyDeadline(ctx, c.conn); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	total := 0
	for total < len(buf) {
		read, err := c.conn.Read(buf[total:])
		total += read
		if err != nil {
			return nil, fmt.Errorf("%w: tcp read: %v", transport.ErrIO, err)
		}
	}
	return buf, nil
}

func (c *channel) Readable() bool {
	_ = c.conn.SetReadDeadline(time.Now())
	defer c.conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	n, err := c.conn.Read(one)
	if n > 0 || err == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
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
