// Package ids provides identifier generation and validation shared across
// the orchestrator and platform drivers.
package ids

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// nameRE matches a valid InstanceName: lowercase alphanumerics and hyphens,
// 1-63 characters, matching the constraints imposed by tap-device and
// hostname derivation downstream.
var nameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NewInstanceID returns a fresh random instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// ValidateName reports whether name is a legal InstanceName.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("ids: invalid instance name %q: must match %s", name, nameRE.String())
	}
	return nil
}
