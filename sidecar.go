package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

const probeTimeout = 1500 * time.Millisecond

// SidecarStatus is one probe result served at /admin/sidecars.
type SidecarStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// SidecarProber health-checks the configured helper services. Probes are
// never retried; a timeout or connection failure is reported as-is.
type SidecarProber struct {
	client   *http.Client
	sidecars map[string]string
	logger   *slog.Logger
}

func NewSidecarProber(cfg SidecarConfig, logger *slog.Logger) *SidecarProber {
	sidecars := make(map[string]string)
	if cfg.Fetcher != "" {
		sidecars["fetcher"] = cfg.Fetcher
	}
	if cfg.Browser != "" {
		sidecars["browser"] = cfg.Browser
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarProber{
		client:   &http.Client{Timeout: probeTimeout},
		sidecars: sidecars,
		logger:   logger.With("component", "sidecar"),
	}
}

// Probe checks every sidecar concurrently and returns results by name.
func (p *SidecarProber) Probe(ctx context.Context) []SidecarStatus {
	out := make([]SidecarStatus, 0, len(p.sidecars))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, base := range p.sidecars {
		wg.Add(1)
		go func(name, base string) {
			defer wg.Done()
			st := p.probeOne(ctx, name, base)
			mu.Lock()
			out = append(out, st)
			mu.Unlock()
		}(name, base)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *SidecarProber) probeOne(ctx context.Context, name, base string) SidecarStatus {
	st := SidecarStatus{Name: name, URL: base}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(base, "/healthz"), nil)
	if err != nil {
		st.Error, _ = errorCode(ErrProbeUnreachable)
		return st
	}
	resp, err := p.client.Do(req)
	st.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		err = classifyProbeError(err)
		code, _ := errorCode(err)
		st.Error = code
		p.logger.Debug("probe failed", "name", name, "url", base, "error", err)
		return st
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	st.Status = resp.StatusCode
	st.OK = resp.StatusCode >= 200 && resp.StatusCode <= 299
	if !st.OK {
		st.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return st
}

func classifyProbeError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProbeUnreachable, err)
}
