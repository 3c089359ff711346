// Package nested implements the shared plumbing for the two nested-Linux
// platform drivers (macOS-via-Lima, Windows-via-WSL2): a typed shell
// template mechanism, the HelperVM contract, and the common lifecycle logic
// built on top of it.
//
// The reference implementation this system is based on built shell commands
// by directly interpolating VM names and paths into format strings before
// shelling them into the helper VM. Any instance name or config value that
// happened to contain a shell metacharacter would run as part of the
// command. Template and Substituter replace that with a whitelist-checked
// render step: every value is validated before it ever reaches string
// concatenation.
package nested

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeSubstitution is returned when a substitution value contains a
// character outside the safe whitelist.
var ErrUnsafeSubstitution = errors.New("nested: unsafe template substitution")

// ErrMissingKey is returned when Render is called without a value for one
// of the template's RequiredKeys.
var ErrMissingKey = errors.New("nested: missing required template key")

// safeValue matches bare path/identifier-like values: letters, digits,
// dot, underscore, slash, dash.
var safeValue = regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)

// Template names a parameterized shell script body and the substitution
// keys it requires. The default bodies ship in this package (macos.go,
// windows.go); a caller may supply its own Templates instead.
type Template struct {
	Name         string
	Body         string
	RequiredKeys []string
	// JSONKeys names the subset of RequiredKeys allowed to carry
	// whitespace and JSON punctuation (for a single `--config '<json>'`
	// argument), still rejecting shell metacharacters like backticks,
	// dollar signs, and semicolons.
	JSONKeys []string
}

var jsonSafeValue = regexp.MustCompile(`^[A-Za-z0-9._/:,{}"\[\]\s-]*$`)

// Substituter renders Templates against a set of key/value pairs, rejecting
// any value that isn't safe to place inside a shell command.
type Substituter struct{}

// NewSubstituter returns a Substituter.
func NewSubstituter() *Substituter { return &Substituter{} }

// Render fills tmpl.Body's `{{key}}` placeholders from values, returning
// ErrMissingKey if a required key has no value and ErrUnsafeSubstitution if
// a value fails the whitelist check.
func (s *Substituter) Render(tmpl Template, values map[string]string) (string, error) {
	jsonAllowed := make(map[string]bool, len(tmpl.JSONKeys))
	for _, k := range tmpl.JSONKeys {
		jsonAllowed[k] = true
	}

	out := tmpl.Body
	for _, key := range tmpl.RequiredKeys {
		val, ok := values[key]
		if !ok {
			return "", fmt.Errorf("%w: template %q missing %q", ErrMissingKey, tmpl.Name, key)
		}
		pattern := safeValue
		if jsonAllowed[key] {
			pattern = jsonSafeValue
		}
		if !pattern.MatchString(val) {
			return "", fmt.Errorf("%w: template %q key %q value %q", ErrUnsafeSubstitution, tmpl.Name, key, val)
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", val)
	}
	return out, nil
}
