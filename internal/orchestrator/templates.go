package orchestrator

import (
	"fmt"

	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
)

// ErrUnknownTemplate is returned by ResourcesForTemplate for an unrecognized name.
var ErrUnknownTemplate = fmt.Errorf("orchestrator: unknown template")

// builtinTemplates are VM sizing presets, narrowed from the original
// per-template runtime/setup-script model to a pure Resources shape: guest
// runtime provisioning is image-build-time work, out of scope for the
// running orchestrator.
var builtinTemplates = map[string]vmconfig.Resources{
	"python3-uv":   {CPUCores: 2, MemoryMB: 1024, DiskGB: 4},
	"nodejs22-npx": {CPUCores: 2, MemoryMB: 1536, DiskGB: 4},
}

// TemplateNames lists the built-in preset names, for config_list-style output.
func TemplateNames() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	return names
}

// ResourcesForTemplate resolves a named preset to its Resources shape.
func ResourcesForTemplate(name string) (vmconfig.Resources, error) {
	res, ok := builtinTemplates[name]
	if !ok {
		return vmconfig.Resources{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return res, nil
}
