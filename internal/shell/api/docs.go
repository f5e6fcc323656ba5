package api

import (
	"net/http"

	"github.com/artpar/webtopd/internal/shell/api/openapi"
)

// registerDocs describes every route in the OpenAPI document.
func registerDocs(g *openapi.Generator) {
	routes := []openapi.Route{
		{
			Method: http.MethodGet, Path: "/", OperationID: "index", Summary: "Capability listing", Tag: "Service",
			Responses: map[int]any{200: IndexResponse{}},
		},
		{
			Method: http.MethodGet, Path: "/health", OperationID: "health", Summary: "Liveness probe", Tag: "Service",
			Responses: map[int]any{200: HealthResponse{}},
		},
		{
			Method: http.MethodGet, Path: "/ready", OperationID: "ready", Summary: "Readiness probe", Tag: "Service",
			Responses: map[int]any{200: ReadyResponse{}, 503: ReadyResponse{}},
		},
		{
			Method: http.MethodPost, Path: "/deploy", OperationID: "deploy", Summary: "Deploy a webtop bundle", Tag: "Deploy",
			Files: []openapi.FormFile{
				{Name: fieldManifest, Description: "Docker Compose manifest", Required: true},
				{Name: fieldDockerfilePrefix + "1", Description: "Dockerfiles, built in numeric suffix order (dockerfile-1, dockerfile-2, ...)"},
				{Name: fieldResourcePrefix + "1", Description: "Resource files (resource-1, resource-2, ...)"},
			},
			Responses: map[int]any{200: DeployResponse{}, 400: ErrorResponse{}, 413: ErrorResponse{}, 500: ErrorResponse{}},
		},
		{
			Method: http.MethodGet, Path: "/deploy/status/{id}", OperationID: "getStatus", Summary: "Reconciled workload status", Tag: "Deploy",
			Responses: map[int]any{200: StatusResponse{}, 400: ErrorResponse{}, 500: ErrorResponse{}},
		},
		{
			Method: http.MethodPost, Path: "/deploy/stop/{id}", OperationID: "stop", Summary: "Bring the compose project down", Tag: "Deploy",
			Responses: map[int]any{200: StopResponse{}, 400: ErrorResponse{}, 404: ErrorResponse{}, 500: ErrorResponse{}},
		},
		{
			Method: http.MethodDelete, Path: "/deploy/cleanup/{id}", OperationID: "cleanup", Summary: "Stop and remove a workload", Tag: "Deploy",
			Responses: map[int]any{200: CleanupResponse{}, 400: ErrorResponse{}, 404: ErrorResponse{}, 500: ErrorResponse{}},
		},
		{
			Method: http.MethodGet, Path: "/deploy/list", OperationID: "list", Summary: "List registered workloads", Tag: "Deploy",
			Responses: map[int]any{200: ListResponse{}, 500: ErrorResponse{}},
		},
	}
	for _, r := range routes {
		g.RegisterRoute(r)
	}
}

func registerStreamDocs(g *openapi.Generator) {
	g.RegisterRoute(openapi.Route{
		Method: http.MethodGet, Path: "/deploy/logs/{id}", OperationID: "streamLogs", Summary: "Stream live run output over a websocket", Tag: "Deploy",
		Responses: map[int]any{101: nil, 400: ErrorResponse{}},
	})
}
