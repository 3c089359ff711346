package nestedhelper

import (
	"context"
	"errors"
	"log/slog"
)

// Options configures the platform-specific forward manager New constructs.
type Options struct {
	// BindHost is the host interface incoming TCP forwards listen on.
	// Defaults to all interfaces.
	BindHost string
	Logger   *slog.Logger
}

// Manager owns the set of host TCP listeners that relay bytes into a guest's
// vsock command endpoint. Upsert replaces any existing forward registered
// under the same (proto, hostPort) pair; Remove tears one down.
type Manager interface {
	Upsert(ctx context.Context, proto string, hostPort uint16, cid uint32, guestPort uint16) error
	Remove(ctx context.Context, proto string, hostPort uint16) error
	Close() error
}

// ErrUnsupported is returned by New on platforms without AF_VSOCK support.
var ErrUnsupported = errors.New("nestedhelper: vsock forwarding unsupported on this platform")

// New builds the Manager appropriate for the OS this binary is compiled for.
func New(opts Options) (Manager, error) {
	return newPlatformManager(opts)
}
