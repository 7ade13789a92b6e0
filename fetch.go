package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/strikethrough"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	fetchTimeout         = 20 * time.Second
	defaultFetchMaxBytes = 2 << 20
)

type fetchRequest struct {
	URL      string `json:"url"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

// FetchResult is returned by the fetch worker's POST info action.
type FetchResult struct {
	OK          bool   `json:"ok"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Title       string `json:"title,omitempty"`
	Markdown    string `json:"markdown"`
	Bytes       int    `json:"bytes"`
	Mode        string `json:"mode"`
}

// FetchHandler retrieves a page either itself or through the fetcher sidecar
// when one is configured.
type FetchHandler struct {
	client  *http.Client
	sidecar string
}

func NewFetchHandler(sidecar string) *FetchHandler {
	return &FetchHandler{client: &http.Client{Timeout: fetchTimeout}, sidecar: sidecar}
}

func (h *FetchHandler) Execute(ctx context.Context, body json.RawMessage) (any, error) {
	var req fetchRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}
	target, err := parseTargetURL(req.URL)
	if err != nil {
		return nil, err
	}
	if req.MaxBytes <= 0 {
		req.MaxBytes = defaultFetchMaxBytes
	}
	req.URL = target.String()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	if h.sidecar != "" {
		return h.viaSidecar(ctx, req)
	}
	return h.direct(ctx, req)
}

func (h *FetchHandler) viaSidecar(ctx context.Context, req fetchRequest) (*FetchResult, error) {
	data, _, err := postJSON(ctx, h.client, joinURL(h.sidecar, "/fetch"), req)
	if err != nil {
		return nil, err
	}
	res := &FetchResult{OK: true}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("%w: fetcher sidecar returned invalid JSON: %v", ErrUpstreamFailed, err)
	}
	if res.URL == "" {
		res.URL = req.URL
	}
	if res.Bytes == 0 {
		res.Bytes = len(res.Markdown)
	}
	res.Mode = "sidecar"
	return res, nil
}

func (h *FetchHandler) direct(ctx context.Context, req fetchRequest) (*FetchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	httpReq.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, req.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	text, title := string(raw), ""
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		text, title, err = htmlToMarkdown(bytes.NewReader(raw), req.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: parse html: %v", ErrUpstreamFailed, err)
		}
	}
	return &FetchResult{
		OK:          resp.StatusCode >= 200 && resp.StatusCode <= 299,
		URL:         req.URL,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Title:       title,
		Markdown:    text,
		Bytes:       len(raw),
		Mode:        "direct",
	}, nil
}

// markdown is shared by every fetch; the converter is safe for concurrent use.
var markdown = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
		strikethrough.NewStrikethroughPlugin(),
	),
)

// htmlToMarkdown converts an HTML document to Markdown. Relative links and
// images resolve against pageURL when it is set. The second result is the
// document title.
func htmlToMarkdown(r io.Reader, pageURL string) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}
	title := documentTitle(doc)
	out, err := markdown.ConvertNode(doc, converter.WithDomain(pageURL))
	if err != nil {
		return "", "", err
	}
	return string(out), title, nil
}

// documentTitle returns the trimmed text of the first <title> element.
func documentTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return strings.Join(strings.Fields(b.String()), " ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := documentTitle(c); t != "" {
			return t
		}
	}
	return ""
}
