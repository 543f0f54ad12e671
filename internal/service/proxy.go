// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gh-proxy-go/internal/allowlist"
	"gh-proxy-go/internal/config"
	"gh-proxy-go/internal/headers"
	"gh-proxy-go/internal/metrics"
	"gh-proxy-go/internal/model"
	"gh-proxy-go/internal/resolver"
	"gh-proxy-go/internal/rewrite"
)

// DefaultMaxRedirects bounds redirect resolution when no limit is configured.
const DefaultMaxRedirects = 8

var (
	// ErrDisallowedTarget is returned when the requested target, or a redirect
	// target, is not permitted by the allowlist.
	ErrDisallowedTarget = errors.New("target is not allowlisted")

	// ErrTooManyRedirects is returned when the redirect hop limit is exceeded.
	ErrTooManyRedirects = errors.New("too many upstream redirects")

	// ErrTooLarge is returned when the upstream declares a body over the size limit.
	ErrTooLarge = errors.New("upstream response exceeds size limit")

	// ErrUnreplayableBody is returned when following a 307/308 redirect would
	// require sending a streamed request body a second time.
	ErrUnreplayableBody = errors.New("redirect requires resending the request body")

	// ErrInvalidRedirect is returned when an upstream redirect carries a
	// Location that cannot be resolved to an http(s) target.
	ErrInvalidRedirect = errors.New("invalid upstream redirect location")
)

// UpstreamError reports an upstream that kept failing after retries.
type UpstreamError struct {
	Target     string
	StatusCode int // last upstream status; 0 for network failures
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d after retries", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Upstream sends a single request without following redirects.
type Upstream interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// ProxyService resolves, checks and forwards proxy requests.
type ProxyService struct {
	client   Upstream
	resolver *resolver.Resolver
	guard    *allowlist.Guard
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxRedirects        int
	retries             int
	retryDelay          time.Duration
	sizeLimit           int64
	preserveConditional bool
	cdnRedirect         bool
}

// NewProxyService creates a ProxyService. The rewriter and metrics parameters
// are optional; pass nil to disable body rewriting or metrics recording.
func NewProxyService(
	c Upstream,
	res *resolver.Resolver,
	guard *allowlist.Guard,
	rw *rewrite.Rewriter,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	s := &ProxyService{
		client:   c,
		resolver: res,
		guard:    guard,
		rewriter: rw,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,

		maxRedirects:        cfg.Upstream.MaxRedirects,
		retries:             cfg.Upstream.Retry.Attempts,
		retryDelay:          time.Duration(cfg.Upstream.Retry.DelayMS) * time.Millisecond,
		sizeLimit:           cfg.Proxy.SizeLimitBytes,
		preserveConditional: cfg.Proxy.PreserveConditionalHeaders,
		cdnRedirect:         cfg.Proxy.CDNRedirect,
	}
	if s.maxRedirects <= 0 {
		s.maxRedirects = DefaultMaxRedirects
	}
	if cfg.Upstream.Retry.Disabled {
		s.retries = 0
	}
	return s
}

// forwardAttempt is the state threaded through redirect resolution.
type forwardAttempt struct {
	target  *model.Target
	method  string
	header  http.Header
	body    io.Reader
	hasBody bool
	hops    int
}

// Forward resolves pr to an upstream target and returns the client-facing response.
// The caller is responsible for closing the response body.
//
// Redirects to proxyable hosts are returned with their Location rewritten to
// a proxy path; redirects to follow-only hosts are fetched server-side. Either
// way at most maxRedirects hops are taken.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.resolver.Resolve(pr.Path, pr.RawQuery)
	if err != nil {
		return nil, err
	}

	if d := s.evaluate(target, pr.Method); d.Verdict != allowlist.Proxy {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDisallowedTarget, target.Host, d.Reason)
	}

	if s.cdnRedirect {
		if mirror, ok := s.resolver.CDNMirror(target); ok {
			s.logger.Debug("cdn mirror redirect", "target", target.String(), "mirror", mirror)
			return redirectResponse(mirror), nil
		}
	}

	attempt := &forwardAttempt{
		target:  target,
		method:  pr.Method,
		header:  headers.Request(pr.Header, target, s.preserveConditional),
		hasBody: pr.Body != nil && pr.Body != http.NoBody,
	}
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead {
		attempt.hasBody = false
	}
	if attempt.hasBody {
		attempt.body = pr.Body
	} else {
		headers.DropBody(attempt.header)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target.String(),
	)

	resp, err := s.fetch(pr.Ctx, attempt)
	if err != nil {
		return nil, err
	}

	resp, err = s.resolveRedirects(pr.Ctx, attempt, resp)
	if err != nil {
		return nil, err
	}

	if s.sizeLimit > 0 {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n > s.sizeLimit {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, n, s.sizeLimit)
		}
	}

	return s.finalize(attempt, resp)
}

// resolveRedirects runs the redirect state machine starting from resp.
func (s *ProxyService) resolveRedirects(ctx context.Context, a *forwardAttempt, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	for {
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}

		a.hops++
		if a.hops > s.maxRedirects {
			_ = resp.Body.Close()
			s.recordRedirect("limit")
			return nil, fmt.Errorf("%w: more than %d hops from %s", ErrTooManyRedirects, s.maxRedirects, a.target.Host)
		}

		next, err := resolver.ResolveReference(a.target, location)
		if err != nil {
			_ = resp.Body.Close()
			s.recordRedirect("invalid")
			// The resolver cause is not wrapped: a bad Location is an upstream
			// fault, not a bad client URL.
			return nil, &UpstreamError{Target: a.target.Host, Err: fmt.Errorf("%w %q: %v", ErrInvalidRedirect, location, err)}
		}

		d := s.evaluate(next, a.method)
		switch d.Verdict {
		case allowlist.Proxy:
			s.recordRedirect("rewritten")
			resp.Header.Set("Location", resolver.ProxyPath(next))
			return resp, nil

		case allowlist.Follow:
			_ = resp.Body.Close()
			if err := a.redirectTo(next, resp.StatusCode); err != nil {
				return nil, err
			}
			s.recordRedirect("followed")
			s.logger.Debug("following redirect",
				"hop", a.hops,
				"status", resp.StatusCode,
				"target", next.String(),
			)
			resp, err = s.client.DoStream(ctx, a.method, a.target.String(), a.header, a.body)
			if err != nil {
				return nil, fmt.Errorf("follow redirect to %s: %w", a.target.Host, err)
			}

		default:
			_ = resp.Body.Close()
			s.recordRedirect("denied")
			return nil, fmt.Errorf("%w: redirect to %s (%s)", ErrDisallowedTarget, next.Host, d.Reason)
		}
	}
}

// redirectTo moves the attempt to next following the semantics of status.
func (a *forwardAttempt) redirectTo(next *model.Target, status int) error {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if a.hasBody {
			return fmt.Errorf("%w: %d to %s", ErrUnreplayableBody, status, next.Host)
		}
	default:
		if a.method != http.MethodHead {
			a.method = http.MethodGet
		}
		a.body = nil
		a.hasBody = false
		headers.DropBody(a.header)
	}

	if next.Host != a.target.Host {
		headers.DropCredentials(a.header)
	}
	headers.Retarget(a.header, next)
	a.target = next
	return nil
}

// fetch performs the initial request. Idempotent requests are retried on
// network errors and 5xx responses.
func (s *ProxyService) fetch(ctx context.Context, a *forwardAttempt) (*model.ProxyResponse, error) {
	retryable := s.retries > 0 && (a.method == http.MethodGet || a.method == http.MethodHead)
	url := a.target.String()

	for attempt := 0; ; attempt++ {
		last := !retryable || attempt >= s.retries

		resp, err := s.client.DoStream(ctx, a.method, url, a.header, a.body)
		var cause string
		switch {
		case err != nil:
			if last || ctx.Err() != nil {
				if retryable {
					return nil, &UpstreamError{Target: a.target.Host, Err: err}
				}
				return nil, err
			}
			cause = "network"
		case resp.StatusCode >= 500 && retryable:
			_ = resp.Body.Close()
			if last {
				return nil, &UpstreamError{Target: a.target.Host, StatusCode: resp.StatusCode}
			}
			cause = "status"
		default:
			return resp, nil
		}

		if s.metrics != nil {
			s.metrics.UpstreamRetries.WithLabelValues(cause).Inc()
		}
		s.logger.Warn("retrying upstream request",
			"target", a.target.Host,
			"attempt", attempt+1,
			"cause", cause,
			"err", err,
		)
		if err := sleep(ctx, s.retryDelay); err != nil {
			return nil, err
		}
	}
}

// finalize applies the response header transform and body rewriting.
func (s *ProxyService) finalize(a *forwardAttempt, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	resp.Header = headers.Response(resp.Header)

	// Partial content is a byte range of the upstream body; rewriting it would
	// break the range arithmetic.
	if s.rewriter == nil || a.method == http.MethodHead ||
		resp.StatusCode < 200 || resp.StatusCode >= 300 ||
		resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusPartialContent {
		return resp, nil
	}
	out, err := s.rewriter.Apply(resp)
	if err != nil {
		return nil, &UpstreamError{Target: a.target.Host, Err: err}
	}
	return out, nil
}

func (s *ProxyService) evaluate(t *model.Target, method string) allowlist.Decision {
	d := s.guard.Evaluate(t, method)
	if s.metrics != nil {
		s.metrics.GuardDecisions.WithLabelValues(d.Verdict.String(), string(d.Reason)).Inc()
	}
	return d
}

func (s *ProxyService) recordRedirect(action string) {
	if s.metrics != nil {
		s.metrics.Redirects.WithLabelValues(action).Inc()
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func redirectResponse(location string) *model.ProxyResponse {
	h := headers.Response(nil)
	h.Set("Location", location)
	h.Set("Content-Length", "0")
	return &model.ProxyResponse{
		StatusCode: http.StatusFound,
		Header:     h,
		Body:       http.NoBody,
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
