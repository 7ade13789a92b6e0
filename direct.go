package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DirectHandler serves a worker's POST info action in-process instead of
// through a child. Failures are returned as errors and rendered by the
// dispatcher as {ok:false,...} bodies.
type DirectHandler interface {
	Execute(ctx context.Context, body json.RawMessage) (any, error)
}

// maxSidecarResponse caps how much of a sidecar answer is read.
const maxSidecarResponse = 32 << 20

// decodeBody unmarshals a request body, wrapping failures in
// ErrInvalidRequestBody.
func decodeBody(body json.RawMessage, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidRequestBody)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	return nil
}

// parseTargetURL accepts only absolute http and https URLs.
func parseTargetURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute http(s), got %q", ErrInvalidRequestBody, raw)
	}
	return u, nil
}

// postJSON sends in as JSON to endpoint and returns the response body and
// content type. Non-2xx answers wrap ErrUpstreamFailed.
func postJSON(ctx context.Context, client *http.Client, endpoint string, in any) ([]byte, string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSidecarResponse))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s answered %d: %s", ErrUpstreamFailed, endpoint, resp.StatusCode, snippet(data))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// joinURL appends path to a sidecar base URL.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
