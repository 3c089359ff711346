package nested

import (
	"errors"
	"testing"
)

func TestRenderSubstitutesSafeValues(t *testing.T) {
	tmpl := Template{
		Name:         "start_vm",
		Body:         "sudo mkdir -p /var/lib/firecracker/{{name}} && sudo ip link set dev {{tap}} up",
		RequiredKeys: []string{"name", "tap"},
	}
	s := NewSubstituter()

	got, err := s.Render(tmpl, map[string]string{"name": "web-1", "tap": "aiva-web1"})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := "sudo mkdir -p /var/lib/firecracker/web-1 && sudo ip link set dev aiva-web1 up"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderRejectsShellMetacharacters(t *testing.T) {
	tmpl := Template{
		Name:         "start_vm",
		Body:         "sudo mkdir -p /var/lib/firecracker/{{name}}",
		RequiredKeys: []string{"name"},
	}
	s := NewSubstituter()

	_, err := s.Render(tmpl, map[string]string{"name": "web; rm -rf /"})
	if !errors.Is(err, ErrUnsafeSubstitution) {
		t.Fatalf("Render() error = %v, want ErrUnsafeSubstitution", err)
	}
}

func TestRenderRejectsMissingKey(t *testing.T) {
	tmpl := Template{
		Name:         "start_vm",
		Body:         "echo {{name}}",
		RequiredKeys: []string{"name"},
	}
	s := NewSubstituter()

	_, err := s.Render(tmpl, map[string]string{})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("Render() error = %v, want ErrMissingKey", err)
	}
}

func TestRenderAllowsJSONWhitespaceOnlyOnJSONKeys(t *testing.T) {
	tmpl := Template{
		Name:         "deploy",
		Body:         "aiva-agent deploy --config '{{config_json}}'",
		RequiredKeys: []string{"config_json"},
		JSONKeys:     []string{"config_json"},
	}
	s := NewSubstituter()

	got, err := s.Render(tmpl, map[string]string{"config_json": `{"cpu_cores": 2, "memory_mb": 1024}`})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := `aiva-agent deploy --config '{"cpu_cores": 2, "memory_mb": 1024}'`
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderRejectsCommandSubstitutionInJSONKey(t *testing.T) {
	tmpl := Template{
		Name:         "deploy",
		Body:         "aiva-agent deploy --config '{{config_json}}'",
		RequiredKeys: []string{"config_json"},
		JSONKeys:     []string{"config_json"},
	}
	s := NewSubstituter()

	_, err := s.Render(tmpl, map[string]string{"config_json": "$(rm -rf /)"})
	if !errors.Is(err, ErrUnsafeSubstitution) {
		t.Fatalf("Render() error = %v, want ErrUnsafeSubstitution", err)
	}
}
