package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

const screenshotTimeout = 75 * time.Second

type screenshotRequest struct {
	URL      string `json:"url"`
	FullPage bool   `json:"fullPage,omitempty"`
}

// ScreenshotResult is returned by the screenshot worker's POST info action.
type ScreenshotResult struct {
	OK     bool   `json:"ok"`
	URL    string `json:"url"`
	MIME   string `json:"mime"`
	Base64 string `json:"base64"`
	Bytes  int    `json:"bytes"`
	Mode   string `json:"mode"`
}

// ScreenshotHandler delegates captures to the browser sidecar. The sidecar
// may answer with raw image bytes or with JSON {mime, base64}.
type ScreenshotHandler struct {
	client  *http.Client
	browser string
}

func NewScreenshotHandler(browser string) *ScreenshotHandler {
	return &ScreenshotHandler{client: &http.Client{Timeout: screenshotTimeout}, browser: browser}
}

func (h *ScreenshotHandler) Execute(ctx context.Context, body json.RawMessage) (any, error) {
	var req screenshotRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	target, err := parseTargetURL(req.URL)
	if err != nil {
		return nil, err
	}
	req.URL = target.String()
	if h.browser == "" {
		return nil, fmt.Errorf("%w: browser sidecar not configured", ErrProbeUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()
	data, contentType, err := postJSON(ctx, h.client, joinURL(h.browser, "/screenshot"), req)
	if err != nil {
		return nil, err
	}

	res := &ScreenshotResult{OK: true, URL: req.URL, Mode: "sidecar"}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "image/") {
		res.MIME = mediaType
		res.Base64 = base64.StdEncoding.EncodeToString(data)
		res.Bytes = len(data)
		return res, nil
	}

	var out struct {
		MIME   string `json:"mime"`
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: browser sidecar returned invalid JSON: %v", ErrUpstreamFailed, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return nil, fmt.Errorf("%w: browser sidecar returned invalid base64: %v", ErrUpstreamFailed, err)
	}
	res.MIME = out.MIME
	if res.MIME == "" {
		res.MIME = "image/png"
	}
	res.Base64 = out.Base64
	res.Bytes = len(decoded)
	return res, nil
}
