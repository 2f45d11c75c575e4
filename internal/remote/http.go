package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/roach88/offsync/internal/model"
)

const (
	// IdempotencyHeader carries the action id on every attempt.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultTimeout bounds a single HTTP exchange when no client is given.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// RequestBuilder maps a delivery request to an HTTP request. It replaces the
// default method and URL mapping when set.
type RequestBuilder func(ctx context.Context, base *url.URL, req Request) (*http.Request, error)

// HTTPEndpoint delivers actions to a JSON-over-HTTP API.
//
// Default mapping: Create → POST, Update → PUT, Delete → DELETE,
// Custom → POST, each to base + Target.Path. Target.Method overrides the
// method. A 2xx body becomes the authoritative state of the target's cache
// entry.
type HTTPEndpoint struct {
	base       *url.URL
	client     *http.Client
	credential string
	build      RequestBuilder
	logger     *slog.Logger
}

// HTTPOption configures an HTTPEndpoint.
type HTTPOption func(*HTTPEndpoint)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPEndpoint) { e.client = c }
}

// WithCredential sets the opaque Authorization header value.
func WithCredential(v string) HTTPOption {
	return func(e *HTTPEndpoint) { e.credential = v }
}

// WithRequestBuilder replaces the default request mapping.
func WithRequestBuilder(b RequestBuilder) HTTPOption {
	return func(e *HTTPEndpoint) { e.build = b }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(e *HTTPEndpoint) { e.logger = l }
}

// NewHTTPEndpoint creates an endpoint rooted at baseURL.
func NewHTTPEndpoint(baseURL string, opts ...HTTPOption) (*HTTPEndpoint, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	e := &HTTPEndpoint{
		base:   base,
		client: &http.Client{Timeout: DefaultTimeout},
		build:  DefaultRequest,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DefaultRequest is the default RequestBuilder.
func DefaultRequest(ctx context.Context, base *url.URL, req Request) (*http.Request, error) {
	method := req.Target.Method
	if method == "" {
		switch req.Kind.Tag() {
		case model.KindUpdate:
			method = http.MethodPut
		case model.KindDelete:
			method = http.MethodDelete
		default:
			method = http.MethodPost
		}
	}

	target := base.JoinPath(strings.TrimPrefix(req.Target.Path, "/"))

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Kind.Tag() == model.KindCustom {
		httpReq.Header.Set("X-Operation", req.Kind.Name())
	}
	return httpReq, nil
}

// Execute performs one HTTP exchange for req.
func (e *HTTPEndpoint) Execute(ctx context.Context, req Request) (Result, error) {
	httpReq, err := e.build(ctx, e.base, req)
	if err != nil {
		return Result{}, RejectedError(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyToken)
	if e.credential != "" {
		httpReq.Header.Set("Authorization", e.credential)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, ctx.Err()
		}
		return Result{}, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, Classify(err)
	}

	e.logger.Debug("remote exchange",
		"method", httpReq.Method,
		"url", httpReq.URL.String(),
		"status", resp.StatusCode,
		"idempotency_key", req.IdempotencyToken,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{State: stateFrom(req, body)}, nil
	}

	rerr := statusError(req.Kind, resp.StatusCode, truncate(string(body), 256))
	if rerr.Kind == KindConflict && !rerr.Gone && len(body) > 0 {
		rerr.RemoteState = &model.AuthoritativeState{Key: req.Target.CacheKey, Value: body}
	}
	return Result{}, rerr
}

func stateFrom(req Request, body []byte) *model.AuthoritativeState {
	if req.Kind.Tag() == model.KindDelete {
		return &model.AuthoritativeState{Key: req.Target.CacheKey, Deleted: true}
	}
	if len(body) == 0 || req.Target.CacheKey == "" {
		return nil
	}
	return &model.AuthoritativeState{Key: req.Target.CacheKey, Value: body}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
