// Package gate wraps every outbound backend call in the session check.
//
// Each call first runs Session.EnsureValid. A failed check ends the session
// and the call is not sent. A 401 from the server ends the session as well; a
// transport failure is logged and returned without touching the session.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/telemetry"
)

const (
	maxBodyBytes    = 4 << 20 // 4MiB
	headerRequestID = "X-Request-ID"
)

// Session is the subset of *session.Manager the gate relies on.
type Session interface {
	EnsureValid(ctx context.Context) bool
	AccessToken(ctx context.Context) (string, error)
	Epoch() uint64
	LogOutEpoch(ctx context.Context, epoch uint64) bool
}

// Request is one backend call. Body, when non-nil, is sent as JSON.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response is a reply that reached the caller with its session still current.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil {
		return fmt.Errorf("%w: nil response", session.ErrProtocol)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decode body: %v", session.ErrProtocol, err)
	}
	return nil
}

// Options are optional collaborators.
type Options struct {
	HTTPClient *http.Client
	Log        *slog.Logger
	Metrics    *telemetry.Metrics
}

// Gate issues session-checked requests against one backend.
type Gate struct {
	base    *url.URL
	http    *http.Client
	sess    Session
	log     *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New builds a Gate for baseURL.
func New(baseURL string, sess Session, opts Options) (*Gate, error) {
	if sess == nil {
		return nil, fmt.Errorf("%w: session is required", session.ErrConfig)
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", session.ErrConfig, baseURL)
	}

	g := &Gate{
		base:    u,
		http:    opts.HTTPClient,
		sess:    sess,
		log:     opts.Log,
		metrics: opts.Metrics,
		tracer:  telemetry.Tracer(),
	}
	if g.http == nil {
		g.http = &http.Client{Timeout: 30 * time.Second}
	}
	if g.log == nil {
		g.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g, nil
}

// Get issues a gated GET.
func (g *Gate) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a gated POST with a JSON body.
func (g *Gate) Post(ctx context.Context, path string, body any) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a gated PUT with a JSON body.
func (g *Gate) Put(ctx context.Context, path string, body any) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete issues a gated DELETE. The backend accepts a JSON body on deletes.
func (g *Gate) Delete(ctx context.Context, path string, body any) (*Response, error) {
	return g.Do(ctx, Request{Method: http.MethodDelete, Path: path, Body: body})
}

// Do runs the session check and, if it passes, sends req with the current
// access token as a bearer credential.
//
// A nil *Response always comes with a non-nil error:
//   - ErrNotAttempted: the check failed, the session was ended.
//   - session.ErrNetworkFailure: no response; the session is untouched.
//   - session.ErrAuthRejected: the server answered 401; the session was ended.
//   - session.ErrStaleResponse: the session changed while the call was in flight.
//
// Any other status, including 4xx/5xx, is returned as a Response.
func (g *Gate) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	reqID := ulid.Make().String()

	ctx, span := g.tracer.Start(ctx, "gate."+strings.ToLower(method), trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", req.Path),
		attribute.String("request.id", reqID),
	))
	defer span.End()

	// A check that fails because a newer session replaced this one must not
	// end the newer session.
	checked := g.sess.Epoch()
	if !g.sess.EnsureValid(ctx) {
		if err := ctx.Err(); err != nil {
			g.metrics.Gate(method, "cancelled")
			return nil, err
		}
		return g.notAttempted(ctx, span, checked, method, req.Path)
	}

	epoch := g.sess.Epoch()
	access, err := g.sess.AccessToken(ctx)
	if err != nil {
		return g.notAttempted(ctx, span, epoch, method, req.Path)
	}

	httpReq, err := g.build(ctx, method, req, access, reqID)
	if err != nil {
		g.metrics.Gate(method, "error")
		return nil, err
	}

	start := time.Now()
	resp, err := g.http.Do(httpReq)
	if err != nil {
		g.metrics.Gate(method, "network")
		span.RecordError(err)
		span.SetStatus(codes.Error, "network failure")
		g.log.Warn("gate.request.network", "method", method, "path", req.Path, "request_id", reqID, "err", err)
		return nil, fmt.Errorf("%s %s: %w: %v", method, req.Path, session.ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	g.metrics.GateObserve(method, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		g.metrics.Gate(method, "network")
		g.log.Warn("gate.request.network", "method", method, "path", req.Path, "request_id", reqID, "err", err)
		return nil, fmt.Errorf("%s %s: %w: read body: %v", method, req.Path, session.ErrNetworkFailure, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		g.metrics.Gate(method, "unauthorized")
		span.SetStatus(codes.Error, "unauthorized")
		g.log.Warn("gate.request.unauthorized", "method", method, "path", req.Path, "request_id", reqID)
		g.sess.LogOutEpoch(ctx, epoch)
		return nil, &session.AuthError{Op: method + " " + req.Path, Kind: session.ErrAuthRejected, Status: resp.StatusCode}
	}

	if g.sess.Epoch() != epoch {
		g.metrics.Gate(method, "stale")
		g.log.Info("gate.request.stale", "method", method, "path", req.Path, "request_id", reqID)
		return nil, session.ErrStaleResponse
	}

	outcome := "ok"
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome = "error_status"
	}
	g.metrics.Gate(method, outcome)
	g.log.Debug("gate.request.done", "method", method, "path", req.Path, "status", resp.StatusCode, "request_id", reqID)

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (g *Gate) notAttempted(ctx context.Context, span trace.Span, epoch uint64, method, path string) (*Response, error) {
	g.sess.LogOutEpoch(ctx, epoch)
	g.metrics.Gate(method, "not_attempted")
	span.SetStatus(codes.Error, "not attempted")
	g.log.Info("gate.request.not_attempted", "method", method, "path", path)
	return nil, ErrNotAttempted
}

func (g *Gate) build(ctx context.Context, method string, req Request, access, reqID string) (*http.Request, error) {
	var rdr io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, session.JoinURL(g.base, req.Path, req.Query), rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+access)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerRequestID, reqID)
	if rdr != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}
