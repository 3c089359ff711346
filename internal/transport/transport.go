// Package transport defines the byte-stream contract used to reach a
// running microVM's command endpoint, independent of whether the path is
// a direct vsock connection (Linux-direct driver) or a TCP connection
// forwarded into a nested helper's vsock (macOS/Windows drivers).
package transport

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by every Dialer/Channel implementation. Callers
// should use errors.Is against these rather than matching on net.Error
// concrete types, since the underlying transport differs by platform.
var (
	ErrConnectRefused = errors.New("transport: connection refused")
	ErrConnectTimeout = errors.New("transport: connect timeout")
	ErrIO             = errors.New("transport: i/o error")
	ErrClosed         = errors.New("transport: channel closed")
	ErrDeadline       = errors.New("transport: deadline exceeded")
)

// Target identifies the remote endpoint a Dialer should connect to.
type Target interface{ isTarget() }

// VsockTarget addresses a guest vsock listener directly (Linux-direct driver).
type VsockTarget struct {
	CID  uint32
	Port uint32
}

func (VsockTarget) isTarget() {}

// TCPTarget addresses a TCP listener, used when talking to a nested helper's
// forwarded loopback port (macOS/Windows drivers) or to a plain host:port.
type TCPTarget struct {
	Host string
	Port uint32
}

func (TCPTarget) isTarget() {}

// Channel is a deadline-bounded, full-duplex byte stream. Implementations
// never retry internally; a failed Send or RecvExact leaves the caller free
// to decide whether to reconnect.
type Channel interface {
	// Send writes b in full, honoring ctx's deadline if present.
	Send(ctx context.Context, b []byte) error
	// RecvExact reads exactly n bytes, honoring ctx's deadline if present.
	RecvExact(ctx context.Context, n int) ([]byte, error)
	// Readable reports, without blocking, whether the connection is still
	// usable: true when data is pending or a read would merely block,
	// false once the peer has closed it or the read fails. Used by
	// commandpool for cheap liveness checks on idle connections.
	Readable() bool
	Close() error
}

// Dialer establishes new Channels to a Target.
type Dialer interface {
	Connect(ctx context.Context, target Target, timeout time.Duration) (Channel, error)
}
