package gateway

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"
)

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OKBody{OK: true})
}

func (d *Dispatcher) handleReady(w http.ResponseWriter, r *http.Request) {
	if d.shuttingDown.Load() {
		writeError(w, errShuttingDown, "gateway is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, OKBody{OK: true})
}

func (d *Dispatcher) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.queue.Snapshot())
}

func (d *Dispatcher) handleRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.cfg.Rate)
}

func (d *Dispatcher) handleRetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.cfg.Retry)
}

func (d *Dispatcher) handleSidecars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.sidecars.Probe(r.Context()))
}

func (d *Dispatcher) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.metrics.Snapshot())
}

// handleExits lists the exit audit log; ?name= filters, ?limit= bounds rows.
func (d *Dispatcher) handleExits(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, ErrInvalidRequestBody, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if d.store == nil {
		writeJSON(w, http.StatusOK, []ExitRecord{})
		return
	}
	recs, err := d.store.ListExits(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		d.logger.Error("list exits failed", "error", err)
		writeError(w, err, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (d *Dispatcher) handleSchema(w http.ResponseWriter, r *http.Request) {
	doc, err := readSchema()
	if err != nil {
		writeError(w, err, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (d *Dispatcher) handleExamples(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, examples)
}

func (d *Dispatcher) handleManifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildManifest(d.reg, requestBaseURL(r), d.version))
}

// ServerSummary is one row of GET /servers.
type ServerSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Direct      string `json:"direct,omitempty"`
	Requires    string `json:"requires,omitempty"`
	Status      Status `json:"status"`
	Subscribers int    `json:"subscribers"`
}

func (d *Dispatcher) serverSummaries() []ServerSummary {
	states := d.sup.States()
	counts := d.sup.Subscriptions().Counts()
	out := make([]ServerSummary, 0)
	for _, spec := range d.reg.List() {
		status := StatusIdle
		if st, ok := states[spec.Name]; ok {
			status = st.Status
		}
		out = append(out, ServerSummary{
			Name:        spec.Name,
			Description: spec.Description,
			Enabled:     spec.Enabled,
			Direct:      spec.Direct,
			Requires:    spec.Requires,
			Status:      status,
			Subscribers: counts[spec.Name],
		})
	}
	return out
}

var serversPage = template.Must(template.New("servers").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>sticky-gateway servers</title></head>
<body>
<h1>Servers</h1>
<table border="1" cellpadding="4">
<tr><th>Name</th><th>Status</th><th>Subscribers</th><th>Enabled</th><th>Description</th><th>Endpoints</th></tr>
{{range .}}<tr>
<td>{{.Name}}</td>
<td>{{.Status}}</td>
<td>{{.Subscribers}}</td>
<td>{{if .Enabled}}yes{{else}}no{{if .Requires}} (needs {{.Requires}}){{end}}{{end}}</td>
<td>{{.Description}}</td>
<td><a href="/servers/{{.Name}}/info">info</a>{{if not .Direct}} <a href="/servers/{{.Name}}/sse">sse</a>{{end}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

func (d *Dispatcher) handleServers(w http.ResponseWriter, r *http.Request) {
	rows := d.serverSummaries()
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		writeJSON(w, http.StatusOK, rows)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := serversPage.Execute(w, rows); err != nil {
		d.logger.Error("render servers page", "error", err)
	}
}
