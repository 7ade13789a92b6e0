package gateway

import (
	"fmt"
	"sort"
)

// Built-in direct worker names.
const (
	directFetch      = "fetch"
	directScreenshot = "screenshot"
)

// WorkerSpec describes one managed worker. Specs are loaded once at startup
// and never mutated. Direct names a built-in handler that serves actions
// without a child process.
type WorkerSpec struct {
	Name        string            `json:"name"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	WorkingDir  string            `json:"workingDir,omitempty"`
	Env         map[string]string `json:"-"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
	Requires    string            `json:"requires,omitempty"`
	Direct      string            `json:"direct,omitempty"`
	Filter      *OutputFilter     `json:"-"`
}

// Registry is the immutable set of known workers plus their direct handlers.
type Registry struct {
	specs  map[string]WorkerSpec
	names  []string
	direct map[string]DirectHandler
}

// BuildRegistry turns the configured servers into specs and adds the built-in
// fetch and screenshot workers unless a server of the same name is
// configured. A spec whose required sidecar is not configured is disabled.
// Output filters are compiled here so a bad expression fails startup.
func BuildRegistry(cfg *Config) (*Registry, error) {
	available := map[string]string{
		"fetcher": cfg.Sidecars.Fetcher,
		"browser": cfg.Sidecars.Browser,
	}
	r := &Registry{
		specs:  make(map[string]WorkerSpec),
		direct: make(map[string]DirectHandler),
	}

	for name, sc := range cfg.Servers {
		filter, err := CompileOutputFilter(sc.Filter)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		if sc.Command == "" {
			return nil, fmt.Errorf("server %q: command is required", name)
		}
		enabled := sc.Enabled == nil || *sc.Enabled
		if sc.Requires != "" && available[sc.Requires] == "" {
			enabled = false
		}
		r.specs[name] = WorkerSpec{
			Name:        name,
			Command:     sc.Command,
			Args:        sc.Args,
			WorkingDir:  sc.WorkingDir,
			Env:         sc.Env,
			Enabled:     enabled,
			Description: sc.Description,
			Requires:    sc.Requires,
			Filter:      filter,
		}
	}

	if _, ok := r.specs[directFetch]; !ok {
		r.specs[directFetch] = WorkerSpec{
			Name:        directFetch,
			Enabled:     true,
			Description: "Fetch a URL and return its content as Markdown",
			Direct:      directFetch,
		}
		r.direct[directFetch] = NewFetchHandler(cfg.Sidecars.Fetcher)
	}
	if _, ok := r.specs[directScreenshot]; !ok {
		r.specs[directScreenshot] = WorkerSpec{
			Name:        directScreenshot,
			Enabled:     cfg.Sidecars.Browser != "",
			Description: "Capture a PNG screenshot of a URL",
			Requires:    "browser",
			Direct:      directScreenshot,
		}
		r.direct[directScreenshot] = NewScreenshotHandler(cfg.Sidecars.Browser)
	}

	for name := range r.specs {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (WorkerSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// List returns every spec ordered by name, disabled ones included.
func (r *Registry) List() []WorkerSpec {
	out := make([]WorkerSpec, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.specs[name])
	}
	return out
}

// Direct returns the direct-execution handler for name, if it has one.
func (r *Registry) Direct(name string) (DirectHandler, bool) {
	h, ok := r.direct[name]
	return h, ok
}
