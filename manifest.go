package gateway

import (
	"net/http"
	"strings"
)

// ServersManifest is served at /.well-known/mcp-servers.json.
type ServersManifest struct {
	Version string           `json:"version"`
	BaseURL string           `json:"baseUrl"`
	Servers []ManifestServer `json:"servers"`
}

// ManifestServer describes one worker and where to reach it.
type ManifestServer struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Enabled     bool               `json:"enabled"`
	Kind        string             `json:"kind"`
	Requires    string             `json:"requires,omitempty"`
	Transports  ManifestTransports `json:"transports"`
}

// ManifestTransports lists the per-worker URLs. Direct workers expose only
// info; process workers expose every stream and the send endpoint.
type ManifestTransports struct {
	Info string `json:"info"`
	SSE  string `json:"sse,omitempty"`
	WS   string `json:"ws,omitempty"`
	Send string `json:"send,omitempty"`
}

// BuildManifest describes every registered worker relative to baseURL.
func BuildManifest(reg *Registry, baseURL, version string) ServersManifest {
	baseURL = strings.TrimRight(baseURL, "/")
	wsBase := "ws" + strings.TrimPrefix(baseURL, "http")

	m := ServersManifest{Version: version, BaseURL: baseURL, Servers: []ManifestServer{}}
	for _, spec := range reg.List() {
		prefix := "/servers/" + spec.Name
		entry := ManifestServer{
			Name:        spec.Name,
			Description: spec.Description,
			Enabled:     spec.Enabled,
			Kind:        "process",
			Requires:    spec.Requires,
			Transports:  ManifestTransports{Info: baseURL + prefix + "/info"},
		}
		if spec.Direct != "" {
			entry.Kind = "direct"
		} else {
			entry.Transports.SSE = baseURL + prefix + "/sse"
			entry.Transports.WS = wsBase + prefix + "/ws"
			entry.Transports.Send = baseURL + prefix + "/send"
		}
		m.Servers = append(m.Servers, entry)
	}
	return m
}

// requestBaseURL derives the externally visible base URL of r.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
