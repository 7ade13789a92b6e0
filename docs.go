package gateway

import (
	"sync"

	"github.com/swaggo/swag"
)

// docTemplate is the Swagger 2.0 document in the layout `swag init` emits.
const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness check",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.OKBody"}}}
            }
        },
        "/readyz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.OKBody"}},
                    "503": {"description": "Shutting down", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}}
                }
            }
        },
        "/admin/queue": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Admission queue snapshot",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.QueueSnapshot"}}}
            }
        },
        "/admin/rate": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Advisory rate limit",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.RateConfig"}}}
            }
        },
        "/admin/retry": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Advisory retry policy",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.RetryConfig"}}}
            }
        },
        "/admin/sidecars": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Probe configured sidecars",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/gateway.SidecarStatus"}}}}
            }
        },
        "/admin/metrics": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Process counters",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.MetricsSnapshot"}}}
            }
        },
        "/admin/exits": {
            "get": {
                "produces": ["application/json"],
                "tags": ["admin"],
                "summary": "Recent worker exits",
                "parameters": [
                    {"type": "string", "description": "Worker name", "name": "name", "in": "query"},
                    {"type": "integer", "description": "Maximum rows", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/gateway.ExitRecord"}}}}
            }
        },
        "/servers": {
            "get": {
                "produces": ["application/json", "text/html"],
                "tags": ["servers"],
                "summary": "List workers",
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/gateway.ServerSummary"}}}}
            }
        },
        "/servers/{name}/info": {
            "get": {
                "produces": ["application/json"],
                "tags": ["servers"],
                "summary": "Worker state",
                "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.InfoResponse"}},
                    "404": {"description": "Unknown worker", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["servers"],
                "summary": "Run a direct-execution worker",
                "parameters": [
                    {"type": "string", "name": "name", "in": "path", "required": true},
                    {"description": "Request for the worker", "name": "body", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "Result or {ok:false}", "schema": {"type": "object"}},
                    "400": {"description": "Malformed body", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}},
                    "405": {"description": "Worker has no direct handler", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}}
                }
            }
        },
        "/servers/{name}/sse": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["servers"],
                "summary": "Subscribe to worker output",
                "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}],
                "responses": {"200": {"description": "Event stream"}}
            }
        },
        "/servers/{name}/ws": {
            "get": {
                "tags": ["servers"],
                "summary": "Subscribe to worker output over WebSocket",
                "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}],
                "responses": {"101": {"description": "Switching protocols"}}
            }
        },
        "/servers/{name}/send": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["servers"],
                "summary": "Write a JSON line to the worker",
                "parameters": [
                    {"type": "string", "name": "name", "in": "path", "required": true},
                    {"description": "Payload", "name": "body", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.OKBody"}},
                    "400": {"description": "Malformed body", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}},
                    "409": {"description": "Worker not running", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}},
                    "502": {"description": "Spawn failed", "schema": {"$ref": "#/definitions/gateway.ErrorBody"}}
                }
            }
        }
    },
    "definitions": {
        "gateway.OKBody": {
            "type": "object",
            "properties": {"ok": {"type": "boolean"}}
        },
        "gateway.ErrorBody": {
            "type": "object",
            "properties": {
                "ok": {"type": "boolean"},
                "error": {"type": "string"},
                "detail": {"type": "string"}
            }
        },
        "gateway.QueueSnapshot": {
            "type": "object",
            "properties": {
                "currentLength": {"type": "integer"},
                "avgWaitMs": {"type": "number"},
                "maxConcurrency": {"type": "integer"},
                "inflight": {"type": "integer"},
                "limit": {"type": "integer"}
            }
        },
        "gateway.RateConfig": {
            "type": "object",
            "properties": {"limitPerSec": {"type": "number"}, "burst": {"type": "integer"}}
        },
        "gateway.RetryConfig": {
            "type": "object",
            "properties": {"policy": {"type": "string"}, "baseMs": {"type": "integer"}, "maxMs": {"type": "integer"}}
        },
        "gateway.SidecarStatus": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "url": {"type": "string"},
                "ok": {"type": "boolean"},
                "status": {"type": "integer"},
                "latencyMs": {"type": "integer"},
                "error": {"type": "string"}
            }
        },
        "gateway.MetricsSnapshot": {
            "type": "object",
            "properties": {
                "global": {"type": "object"},
                "workers": {"type": "object"}
            }
        },
        "gateway.ExitRecord": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "code": {"type": "integer"},
                "signal": {"type": "string"},
                "restarts": {"type": "integer"},
                "exitedAt": {"type": "string"}
            }
        },
        "gateway.ExitInfo": {
            "type": "object",
            "properties": {
                "code": {"type": "integer"},
                "signal": {"type": "string"},
                "error": {"type": "string"},
                "exitedAt": {"type": "string"}
            }
        },
        "gateway.InfoResponse": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "status": {"type": "string", "enum": ["idle", "starting", "running", "degraded"]},
                "restartCount": {"type": "integer"},
                "backoffMs": {"type": "integer"},
                "exit": {"$ref": "#/definitions/gateway.ExitInfo"},
                "startedAt": {"type": "string"},
                "pid": {"type": "integer"},
                "subscribers": {"type": "integer"},
                "direct": {"type": "string"}
            }
        },
        "gateway.ServerSummary": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "description": {"type": "string"},
                "enabled": {"type": "boolean"},
                "direct": {"type": "string"},
                "requires": {"type": "string"},
                "status": {"type": "string"},
                "subscribers": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds the exported document metadata.
var SwaggerInfo = &swag.Spec{
	Version:          "dev",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "sticky-gateway API",
	Description:      "Local gateway multiplexing HTTP and streaming access to supervised worker processes.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

// schemaMu serializes access to SwaggerInfo; ReadDoc rewrites Description.
var schemaMu sync.Mutex

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// setSchemaInfo records the running version and advertised host.
func setSchemaInfo(version, host string) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if version != "" {
		SwaggerInfo.Version = version
	}
	SwaggerInfo.Host = host
}

// readSchema renders the registered document.
func readSchema() (string, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	return swag.ReadDoc(SwaggerInfo.InstanceName())
}

// Example is one sample request served at /examples.
type Example struct {
	Title  string `json:"title"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   any    `json:"body,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

var examples = []Example{
	{Title: "List workers", Method: "GET", Path: "/servers"},
	{Title: "Worker state", Method: "GET", Path: "/servers/demo/info"},
	{Title: "Stream output", Method: "GET", Path: "/servers/demo/sse", Notes: "text/event-stream; events message, raw, state"},
	{Title: "Stream output over WebSocket", Method: "GET", Path: "/servers/demo/ws", Notes: `one JSON frame per event: {"event":...,"data":...}`},
	{Title: "Send a line", Method: "POST", Path: "/servers/demo/send", Body: map[string]any{"method": "ping", "id": 1}},
	{Title: "Fetch a page", Method: "POST", Path: "/servers/fetch/info", Body: map[string]any{"url": "https://example.com", "maxBytes": 200000}},
	{Title: "Screenshot", Method: "POST", Path: "/servers/screenshot/info", Body: map[string]any{"url": "https://example.com", "fullPage": true}},
	{Title: "Queue snapshot", Method: "GET", Path: "/admin/queue"},
	{Title: "Sidecar health", Method: "GET", Path: "/admin/sidecars"},
	{Title: "Recent exits", Method: "GET", Path: "/admin/exits?name=demo&limit=20"},
}
