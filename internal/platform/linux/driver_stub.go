//go:build !linux

package linux

import (
	"context"
	"errors"

	"github.com/polunzh/aiva/internal/commandpool"
	"github.com/polunzh/aiva/internal/platform"
)

// ErrUnsupported is returned by every Driver method except Probe on
// non-Linux builds; the Linux-direct backend requires /dev/kvm and AF_VSOCK.
var ErrUnsupported = errors.New("linux: platform driver unsupported on this OS")

// Driver is a non-functional stand-in so non-Linux builds still compile.
// The nested drivers (internal/platform/nested) are what run on macOS and
// Windows hosts.
type Driver struct{}

// NewDriver returns a Driver whose Probe reports no virtualization and
// whose other methods report ErrUnsupported.
func NewDriver(binary, runtimeDir, logDir, bridgeName, baseImage, imagesDir string) *Driver {
	return &Driver{}
}

func (d *Driver) Probe(ctx context.Context) (platform.Capabilities, error) {
	return platform.Capabilities{Virtualization: false, Details: "linux-direct driver requires Linux"}, nil
}

func (d *Driver) EnsureHostReady(ctx context.Context) error { return ErrUnsupported }

func (d *Driver) Create(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	return platform.RuntimeInfo{}, ErrUnsupported
}

func (d *Driver) Start(ctx context.Context, inst platform.InstanceView) (platform.RuntimeInfo, error) {
	return platform.RuntimeInfo{}, ErrUnsupported
}

func (d *Driver) Stop(ctx context.Context, inst platform.InstanceView, force bool) error {
	return ErrUnsupported
}

func (d *Driver) Delete(ctx context.Context, inst platform.InstanceView) error {
	return ErrUnsupported
}

func (d *Driver) Status(ctx context.Context, inst platform.InstanceView) (platform.StatusReport, error) {
	return platform.StatusReport{}, ErrUnsupported
}

func (d *Driver) CommandPool(inst platform.InstanceView) (*commandpool.Pool, error) {
	return nil, ErrUnsupported
}

var _ platform.Driver = (*Driver)(nil)
