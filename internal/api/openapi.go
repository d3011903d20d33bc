package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc() map[string]any {
	jsonResponse := func(description string) map[string]any {
		return map[string]any{
			"description": description,
			"content":     map[string]any{"application/json": map[string]any{}},
		}
	}
	secured := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "cmdsink status API",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses":   map[string]any{"200": jsonResponse("Service is up")},
				},
			},
			"/runs": map[string]any{
				"get": map[string]any{
					"operationId": "listRuns",
					"parameters": []any{map[string]any{
						"name": "limit", "in": "query", "schema": map[string]any{"type": "integer", "minimum": 1},
					}},
					"responses": map[string]any{
						"200": jsonResponse("Recent runs, newest first"),
						"400": jsonResponse("Bad limit"),
					},
					"security": secured,
				},
			},
			"/runs/{runID}": map[string]any{
				"get": map[string]any{
					"operationId": "getRun",
					"parameters": []any{map[string]any{
						"name": "runID", "in": "path", "required": true, "schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": jsonResponse("Run with its file invocations"),
						"404": jsonResponse("Run not found"),
					},
					"security": secured,
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "events",
					"summary":     "Server-sent events; honours Last-Event-ID",
					"parameters": []any{
						map[string]any{"name": "run_id", "in": "query", "schema": map[string]any{"type": "string"},
							"description": "Only this run's events; the stream ends after its run.finished"},
						map[string]any{"name": "access_token", "in": "query", "schema": map[string]any{"type": "string"},
							"description": "Bearer token for clients that cannot set headers"},
					},
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Event stream",
							"content":     map[string]any{"text/event-stream": map[string]any{}},
						},
					},
					"security": secured,
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{"type": "http", "scheme": "bearer"},
			},
		},
	}
}
