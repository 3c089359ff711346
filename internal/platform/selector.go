package platform

import (
	"context"
	"errors"

	"github.com/polunzh/aiva/internal/shared/logging"
)

// ErrNoViablePlatform is returned when no candidate Driver reports
// Capabilities.Virtualization == true.
var ErrNoViablePlatform = errors.New("platform: no viable virtualization backend found")

var selectorLogger = logging.New("platform.selector")

// Candidate names a Driver alongside a label for the selection log.
type Candidate struct {
	Name   string
	Driver Driver
}

// Select probes candidates in order and returns the first whose Probe
// reports Virtualization == true. Selection happens once at daemon
// startup and the result is held for the process lifetime — drivers are
// not re-probed mid-run.
func Select(ctx context.Context, candidates []Candidate) (Driver, error) {
	for _, c := range candidates {
		caps, err := c.Driver.Probe(ctx)
		if err != nil {
			selectorLogger.Debug("probe failed", "driver", c.Name, "error", err)
			continue
		}
		if caps.Virtualization {
			selectorLogger.Info("selected platform driver", "driver", c.Name, "details", caps.Details)
			return c.Driver, nil
		}
		selectorLogger.Debug("driver not viable", "driver", c.Name, "details", caps.Details)
	}
	return nil, ErrNoViablePlatform
}
