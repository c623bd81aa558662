package api

// route describes one documented endpoint.
type route struct {
	path    string
	summary string
	params  []map[string]any
	auth    bool
}

var routes = []route{
	{path: "/healthz", summary: "Liveness and coarse phase"},
	{path: "/status", summary: "Current status snapshot", auth: true},
	{path: "/events", summary: "Server-sent event stream of status changes", auth: true},
	{path: "/diffs", summary: "Recent diff uploads and reductions", auth: true, params: []map[string]any{
		queryParam("repo", "string", "only this repository"),
		queryParam("limit", "integer", "maximum rows, newest first"),
	}},
	{path: "/passes", summary: "Recent scheduler passes", auth: true, params: []map[string]any{
		queryParam("limit", "integer", "maximum rows, newest first"),
	}},
	{path: "/metrics", summary: "Prometheus metrics", auth: true},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc(secured bool) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		operation := map[string]any{
			"operationId": rt.path[1:],
			"summary":     rt.summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if len(rt.params) > 0 {
			operation["parameters"] = rt.params
		}
		if rt.auth && secured {
			operation["security"] = []any{map[string]any{"BearerAuth": []string{}}}
			operation["responses"].(map[string]any)["401"] = map[string]any{"description": "Missing or invalid API key"}
		}
		paths[rt.path] = map[string]any{"get": operation}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "arcyd",
			"version": "1.0",
		},
		"paths": paths,
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

func queryParam(name, typ, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "query",
		"required":    false,
		"description": description,
		"schema":      map[string]any{"type": typ},
	}
}
