package httpapi

import "testing"

func TestBuildOpenAPISpecCoversCoreRoutes(t *testing.T) {
	spec, err := BuildOpenAPISpec("http://127.0.0.1:7777")
	if err != nil {
		t.Fatalf("BuildOpenAPISpec: %v", err)
	}
	if len(spec.Servers) != 1 || spec.Servers[0].URL != "http://127.0.0.1:7777" {
		t.Fatalf("unexpected servers: %+v", spec.Servers)
	}

	for _, path := range []string{
		"/healthz",
		"/api/v1/instances",
		"/api/v1/instances/{name}",
		"/api/v1/instances/{name}/deploy",
		"/api/v1/instances/{name}/run",
		"/api/v1/events",
	} {
		if spec.Paths.Find(path) == nil {
			t.Errorf("expected spec to define path %q", path)
		}
	}

	if _, ok := spec.Components.Schemas["Error"]; !ok {
		t.Error("expected an Error schema component")
	}
}

func TestBuildOpenAPISpecNoServerWhenBaseURLEmpty(t *testing.T) {
	spec, err := BuildOpenAPISpec("")
	if err != nil {
		t.Fatalf("BuildOpenAPISpec: %v", err)
	}
	if len(spec.Servers) != 0 {
		t.Fatalf("expected no servers, got %+v", spec.Servers)
	}
}
