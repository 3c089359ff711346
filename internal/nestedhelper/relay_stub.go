//go:build !linux

package nestedhelper

import "context"

// nestedhelperd only ever runs inside the Linux guest of a Lima/WSL2 helper
// VM, never on the host, so on non-Linux builds newPlatformManager returns
// ErrUnsupported rather than a working relay.
type unsupportedManager struct{}

func newPlatformManager(Options) (Manager, error) {
	return nil, ErrUnsupported
}

func (unsupportedManager) Upsert(context.Context, string, uint16, uint32, uint16) error { return nil }
func (unsupportedManager) Remove(context.Context, string, uint16) error                 { return nil }
func (unsupportedManager) Close() error                                                 { return nil }
