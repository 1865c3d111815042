package api

import (
	"net/http"

	"github.com/mattjoyce/remotectl/internal/command"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the operator routes,
// with the dispatch body's kind enumerated from the command catalog.
func buildOpenAPIDoc() map[string]any {
	kinds := command.Kinds()
	kindNames := make([]string, 0, len(kinds))
	for _, k := range kinds {
		kindNames = append(kindNames, string(k))
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	deviceParam := pathParam("deviceID")
	commandParam := pathParam("commandID")
	timeoutParam := map[string]any{
		"name":        "timeout",
		"in":          "query",
		"description": "Upper bound on the wait, capped by the server (Go duration, e.g. 30s).",
		"schema":      map[string]any{"type": "string"},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "remotectl",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/devices/{deviceID}/commands": map[string]any{
				"post": map[string]any{
					"operationId": "dispatchCommand",
					"summary":     "Record a command for the device agent",
					"parameters": []any{
						deviceParam,
						timeoutParam,
						map[string]any{
							"name":   "wait",
							"in":     "query",
							"schema": map[string]any{"type": "boolean"},
						},
					},
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"kind"},
									"properties": map[string]any{
										"kind":      map[string]any{"type": "string", "enum": kindNames},
										"payload":   map[string]any{},
										"issuer_id": map[string]any{"type": "string"},
									},
								},
							},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Reply received (wait=true)"},
						"202": map[string]any{"description": "Command recorded, or wait timed out"},
						"400": map[string]any{"description": "Bad request"},
						"502": map[string]any{"description": "Store write failed"},
					},
					"security": secured,
				},
				"get": map[string]any{
					"operationId": "listCommands",
					"parameters":  []any{deviceParam},
					"responses":   map[string]any{"200": map[string]any{"description": "Command history"}},
					"security":    secured,
				},
			},
			"/devices/{deviceID}": map[string]any{
				"get": map[string]any{
					"operationId": "getDevice",
					"parameters":  []any{deviceParam},
					"responses":   map[string]any{"200": map[string]any{"description": "Last event time and online flag"}},
					"security":    secured,
				},
			},
			"/commands/{commandID}": map[string]any{
				"get": map[string]any{
					"operationId": "getCommand",
					"parameters":  []any{commandParam},
					"responses": map[string]any{
						"200": map[string]any{"description": "Command row"},
						"404": map[string]any{"description": "Unknown command"},
					},
					"security": secured,
				},
			},
			"/commands/{commandID}/result": map[string]any{
				"get": map[string]any{
					"operationId": "awaitResult",
					"parameters":  []any{commandParam, timeoutParam},
					"responses": map[string]any{
						"200": map[string]any{"description": "Reply received or command failed"},
						"202": map[string]any{"description": "No reply within the window"},
						"404": map[string]any{"description": "Unknown command"},
						"503": map[string]any{"description": "Too many concurrent waits"},
					},
					"security": secured,
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func pathParam(name string) map[string]any {
	return map[string]any{
		"name":     name,
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}
}
