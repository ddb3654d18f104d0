package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the routes in
// setupRoutes. Bearer security is attached only when a key is configured.
func buildOpenAPIDoc(secured bool) map[string]any {
	errorResp := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{"schema": ref("Error")},
			},
		}
	}
	idParam := map[string]any{
		"name":     "jobID",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string", "pattern": "^[0-9a-f]{64}$"},
	}

	protected := map[string]map[string]any{
		"/mbtiles": {
			"post": map[string]any{
				"operationId": "submitMBTiles",
				"summary":     "Upload an MBTiles file and start a conversion job",
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"multipart/form-data": map[string]any{
							"schema": map[string]any{
								"type":     "object",
								"required": []string{uploadField},
								"properties": map[string]any{
									uploadField: map[string]any{"type": "string", "format": "binary"},
								},
							},
						},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Job accepted",
						"content": map[string]any{
							"application/json": map[string]any{"schema": ref("Submit")},
						},
					},
					"400": errorResp("No file or unreadable upload"),
					"413": errorResp("Upload too large"),
					"429": errorResp("Rate limited"),
				},
			},
		},
		"/jobs/{jobID}": {
			"get": map[string]any{
				"operationId": "getJob",
				"summary":     "Job status",
				"parameters":  []any{idParam},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Current status",
						"content": map[string]any{
							"application/json": map[string]any{"schema": ref("JobStatus")},
						},
					},
					"404": errorResp("Unknown job"),
				},
			},
		},
		"/download/{jobID}": {
			"get": map[string]any{
				"operationId": "downloadArchive",
				"summary":     "Download the packaged archive of a completed job",
				"parameters":  []any{idParam},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Archive",
						"headers": map[string]any{
							"X-Checksum-Blake3": map[string]any{"schema": map[string]any{"type": "string"}},
						},
						"content": map[string]any{
							"application/zip": map[string]any{"schema": map[string]any{"type": "string", "format": "binary"}},
						},
					},
					"404": errorResp("Unknown or unfinished job"),
				},
			},
		},
		"/events": {
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent job and install events",
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				},
			},
		},
	}

	paths := map[string]any{
		"/healthcheck": map[string]any{
			"get": map[string]any{
				"operationId": "healthcheck",
				"summary":     "Liveness",
				"responses":   map[string]any{"200": map[string]any{"description": "Process is live"}},
			},
		},
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness with uptime, queue depth and scratch usage",
				"responses":   map[string]any{"200": map[string]any{"description": "Process is live"}},
			},
		},
	}
	for path, item := range protected {
		if secured {
			for method, op := range item {
				security := []any{map[string]any{"BearerAuth": []string{}}}
				if method == "get" {
					security = append(security, map[string]any{"AccessToken": []string{}})
				}
				op.(map[string]any)["security"] = security
			}
		}
		paths[path] = item
	}

	components := map[string]any{
		"schemas": map[string]any{
			"Error": object(map[string]any{"error": str()}),
			"Submit": object(map[string]any{
				"id": map[string]any{"type": "string", "pattern": "^[0-9a-f]{64}$"},
			}),
			"JobStatus": object(map[string]any{
				"status":      map[string]any{"type": "string", "enum": []string{"pending", "running", "completed", "failed"}},
				"downloadUrl": str(),
				"checksum":    str(),
				"error":       str(),
			}),
		},
	}
	if secured {
		components["securitySchemes"] = map[string]any{
			"BearerAuth": map[string]any{
				"type":   "http",
				"scheme": "bearer",
			},
			"AccessToken": map[string]any{
				"type":        "apiKey",
				"in":          "query",
				"name":        accessTokenParam,
				"description": "Accepted on GET requests only",
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "tilepack",
			"version": "1.0",
		},
		"paths":      paths,
		"components": components,
	}
}

func ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func str() map[string]any {
	return map[string]any{"type": "string"}
}

func object(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}
