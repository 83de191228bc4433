package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// WebConfig configures the outbound web actions.
type WebConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// SearchEndpoint is the URL of the search provider. Empty disables
	// web.search with a clear error instead of a dial failure.
	SearchEndpoint string
	SearchAPIKey   string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultWebTimeout      = 30 * time.Second
)

// NewWebActions builds the web action pair.
func NewWebActions(cfg WebConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebTimeout
	}
	return []Action{
		&webFetchAction{config: cfg},
		&webSearchAction{config: cfg},
	}
}

// webFetchAction implements web.fetch: GET a URL and return its body,
// decoded as JSON when the response is JSON.
type webFetchAction struct {
	config WebConfig
}

func (a *webFetchAction) Type() string      { return "web" }
func (a *webFetchAction) Operation() string { return "fetch" }
func (a *webFetchAction) Mode() Mode        { return ModeRead }

func (a *webFetchAction) Spec() Spec {
	return Spec{
		Type:        "web",
		Operation:   "fetch",
		Mode:        ModeRead,
		Description: "Fetch a URL over HTTP GET. JSON responses are decoded into the output.",
		Required: []ParamSpec{
			param("url", "string", "http or https URL"),
		},
		Optional: []ParamSpec{
			param("headers", "object", "request headers"),
			param("timeout", "string", "request timeout, e.g. \"10s\""),
		},
		Example: map[string]any{"url": "https://api.example.com/status"},
	}
}

func (a *webFetchAction) Validate(params map[string]any) error {
	rawURL, err := requireString(params, "url")
	if err != nil {
		return err
	}
	return validateURL(rawURL)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL).WithCause(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return schema.NewErrorf(schema.ErrCodeValidation, "url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (a *webFetchAction) Execute(ctx context.Context, input Input) (*Output, error) {
	rawURL, err := requireString(input.Params, "url")
	if err != nil {
		return nil, err
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	timeout := a.config.DefaultTimeout
	if raw := stringParam(input.Params, "timeout", ""); raw != "" {
		if d, perr := time.ParseDuration(raw); perr == nil && d > 0 {
			timeout = d
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "build request").WithCause(err)
	}
	for k, v := range mapParam(input.Params, "headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "fetch %s", rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var decoded any = string(body)
	if strings.Contains(contentType, "application/json") {
		var v any
		if jerr := json.Unmarshal(body, &v); jerr == nil {
			decoded = v
		}
	}

	return &Output{Data: map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"body":        decoded,
		"contentType": contentType,
		"durationMs":  time.Since(start).Milliseconds(),
	}}, nil
}

// webSearchAction implements web.search against a configured provider
// that accepts ?q= and ?limit= and returns a JSON body.
type webSearchAction struct {
	config WebConfig
}

func (a *webSearchAction) Type() string      { return "web" }
func (a *webSearchAction) Operation() string { return "search" }
func (a *webSearchAction) Mode() Mode        { return ModeRead }

func (a *webSearchAction) Spec() Spec {
	return Spec{
		Type:        "web",
		Operation:   "search",
		Mode:        ModeRead,
		Description: "Search the web through the configured search provider.",
		Required: []ParamSpec{
			param("query", "string", "search query"),
		},
		Optional: []ParamSpec{
			param("limit", "number", "maximum results (default 10)"),
		},
		Example: map[string]any{"query": "competitor pricing changes", "limit": 5},
	}
}

func (a *webSearchAction) Validate(params map[string]any) error {
	_, err := requireString(params, "query")
	return err
}

func (a *webSearchAction) Execute(ctx context.Context, input Input) (*Output, error) {
	query, err := requireString(input.Params, "query")
	if err != nil {
		return nil, err
	}
	if a.config.SearchEndpoint == "" {
		return nil, schema.NewError(schema.ErrCodeAction,
			"web.search is not configured: set a search endpoint")
	}

	u, err := url.Parse(a.config.SearchEndpoint)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "invalid search endpoint").WithCause(err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(intParam(input.Params, "limit", 10)))
	u.RawQuery = q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, a.config.DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "build search request").WithCause(err)
	}
	if a.config.SearchAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.SearchAPIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "search request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "read search response").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeAction,
			"search provider returned %s", resp.Status).
			WithDetails(map[string]any{"body": truncate(string(body), 512)})
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "search provider returned non-JSON body").WithCause(err)
	}

	data := map[string]any{"query": query}
	if m, ok := decoded.(map[string]any); ok {
		if results, ok := m["results"]; ok {
			data["results"] = results
			return &Output{Data: data}, nil
		}
	}
	data["results"] = decoded
	return &Output{Data: data}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
