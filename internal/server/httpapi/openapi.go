package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	openapi3 "github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/polunzh/aiva/internal/orchestrator"
	"github.com/polunzh/aiva/internal/orchestrator/events"
	"github.com/polunzh/aiva/internal/orchestrator/vmconfig"
)

// serveOpenAPI returns an OpenAPI v3 JSON document describing this router,
// generated from the same request/response types the handlers bind.
func (a *apiServer) serveOpenAPI(c *gin.Context) {
	baseURL := ""
	if c.Request.Host != "" {
		scheme := "http"
		if c.Request.TLS != nil || strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}

	spec, err := BuildOpenAPISpec(baseURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	data, err := json.Marshal(spec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// BuildOpenAPISpec constructs the OpenAPI document for the control-plane
// HTTP surface. If baseURL is non-empty it is set as the sole server URL.
func BuildOpenAPISpec(baseURL string) (*openapi3.T, error) {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "AIVA control-plane API",
			Version:     "v1",
			Description: "REST interface for the AIVA microVM orchestration daemon.",
		},
		Servers:    openapi3.Servers{},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}
	if baseURL != "" {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: baseURL})
	}

	gen := openapi3gen.NewGenerator(
		openapi3gen.CreateComponentSchemas(openapi3gen.ExportComponentSchemasOptions{
			ExportComponentSchemas: true,
			ExportTopLevelSchema:   false,
			ExportGenerics:         true,
		}),
	)

	instanceRef, _ := gen.NewSchemaRefForValue(&orchestrator.Instance{}, spec.Components.Schemas)
	initReqRef, _ := gen.NewSchemaRefForValue(&initRequest{}, spec.Components.Schemas)
	deployReqRef, _ := gen.NewSchemaRefForValue(&deployRequest{}, spec.Components.Schemas)
	runReqRef, _ := gen.NewSchemaRefForValue(&runRequest{}, spec.Components.Schemas)
	dataSyncReqRef, _ := gen.NewSchemaRefForValue(&dataSyncRequest{}, spec.Components.Schemas)
	vmEventRef, _ := gen.NewSchemaRefForValue(&events.VMEvent{}, spec.Components.Schemas)
	_, _ = gen.NewSchemaRefForValue(&vmconfig.Config{}, spec.Components.Schemas)

	errorSchema := openapi3.NewSchemaRef("", &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: map[string]*openapi3.SchemaRef{
			"error": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		},
	})
	spec.Components.Schemas["Error"] = errorSchema

	spec.AddOperation("/healthz", http.MethodGet, simpleOperation("health", "getHealth", "Health check", "Service is healthy", openapi3.NewObjectSchema()))

	spec.AddOperation("/api/v1/instances", http.MethodGet, simpleOperation("instances", "listInstances", "List all instances", "Instance statuses", openapi3.NewArraySchema()))
	spec.AddOperation("/api/v1/instances", http.MethodPost, requestBodyOperation("instances", "initInstance", "Create an instance", initReqRef, "201", "Created instance", instanceRef))
	spec.AddOperation("/api/v1/instances/{name}", http.MethodGet, pathParamOperation("instances", "getInstanceStatus", "Get instance status", "name", instanceRef))
	spec.AddOperation("/api/v1/instances/{name}", http.MethodDelete, deleteOperation("instances", "deleteInstance", "Delete an instance", "name"))
	spec.AddOperation("/api/v1/instances/{name}/start", http.MethodPost, pathParamOperation("instances", "startInstance", "Start an instance", "name", instanceRef))
	spec.AddOperation("/api/v1/instances/{name}/stop", http.MethodPost, deleteOperation("instances", "stopInstance", "Stop an instance", "name"))
	spec.AddOperation("/api/v1/instances/{name}/deploy", http.MethodPost, requestBodyOperation("instances", "deployInstance", "Deploy an image into a running instance", deployReqRef, "200", "Deployed instance", instanceRef))
	spec.AddOperation("/api/v1/instances/{name}/run", http.MethodPost, requestBodyOperation("instances", "runCommand", "Run a command in an instance", runReqRef, "200", "Command result", nil))
	spec.AddOperation("/api/v1/instances/{name}/data", http.MethodPost, requestBodyOperation("instances", "dataSync", "Copy a local file into an instance", dataSyncReqRef, "204", "Synced", nil))
	spec.AddOperation("/api/v1/instances/{name}/logs", http.MethodGet, pathParamOperation("instances", "getLogs", "Fetch (or, with ?follow=true over a websocket upgrade, stream) instance logs", "name", nil))

	spec.AddOperation("/api/v1/events", http.MethodGet, simpleOperation("events", "streamEvents", "Stream lifecycle events over a websocket upgrade", "Event stream", vmEventRef.Value))

	return spec, nil
}

func simpleOperation(tag, id, summary, respDesc string, schema *openapi3.Schema) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.Summary = summary
	op.OperationID = id
	op.Tags = []string{tag}
	op.Responses = openapi3.NewResponses()
	resp := openapi3.NewResponse().WithDescription(respDesc)
	if schema != nil {
		resp.Content = openapi3.NewContentWithJSONSchema(schema)
	}
	op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
	return op
}

func pathParamOperation(tag, id, summary, param string, schemaRef *openapi3.SchemaRef) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.Summary = summary
	op.OperationID = id
	op.Tags = []string{tag}
	op.Parameters = openapi3.Parameters{{
		Value: openapi3.NewPathParameter(param).WithSchema(openapi3.NewStringSchema()),
	}}
	op.Responses = openapi3.NewResponses()
	resp := openapi3.NewResponse().WithDescription("OK")
	if schemaRef != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schemaRef)
	}
	op.Responses.Set("200", &openapi3.ResponseRef{Value: resp})
	return op
}

func deleteOperation(tag, id, summary, param string) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.Summary = summary
	op.OperationID = id
	op.Tags = []string{tag}
	op.Parameters = openapi3.Parameters{{
		Value: openapi3.NewPathParameter(param).WithSchema(openapi3.NewStringSchema()),
	}}
	op.Responses = openapi3.NewResponses()
	op.Responses.Set("204", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("No content")})
	return op
}

func requestBodyOperation(tag, id, summary string, reqRef *openapi3.SchemaRef, status, respDesc string, respRef *openapi3.SchemaRef) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.Summary = summary
	op.OperationID = id
	op.Tags = []string{tag}
	if reqRef != nil {
		op.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithJSONSchemaRef(reqRef)}
	}
	op.Responses = openapi3.NewResponses()
	resp := openapi3.NewResponse().WithDescription(respDesc)
	if respRef != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(respRef)
	}
	op.Responses.Set(status, &openapi3.ResponseRef{Value: resp})
	return op
}
