package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"gh-proxy-go/internal/client"
	"gh-proxy-go/internal/headers"
	"gh-proxy-go/internal/model"
	"gh-proxy-go/internal/resolver"
	"gh-proxy-go/internal/service"
)

// signedParamPattern matches signed-URL query values that upstream redirects
// carry and that end up embedded in error messages.
var signedParamPattern = regexp.MustCompile(`(?i)((?:x-amz-signature|x-amz-credential|x-amz-security-token|token|sig|signature)=)[^&\s"]+`)

// ProxyHandler streams upstream files back to the client.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger

	// streamLog throttles mid-stream copy failures.
	streamLog rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		logger:    logger.With("component", "proxy_handler"),
		streamLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Handle answers CORS preflights locally and forwards everything else upstream.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if headers.IsPreflight(req) {
		dst := c.Response().Header()
		for k, vals := range headers.Preflight() {
			dst[k] = vals
		}
		return c.NoContent(http.StatusNoContent)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Response headers replace anything set earlier by middleware.
	dst := c.Response().Header()
	for k, vals := range resp.Header {
		dst[k] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.streamLog.Do(func() {
			h.logger.Warn("streaming response body",
				"err", sanitizeError(err),
				"path", req.URL.Path,
				"status", resp.StatusCode,
			)
		})
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classifyError(err)

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"status", status,
	)

	return c.JSON(status, map[string]string{"error": msg})
}

// classifyError maps a forwarding error to the client status and a short diagnostic.
func classifyError(err error) (int, string) {
	var upErr *service.UpstreamError
	var dnsErr *net.DNSError
	var urlErr *url.Error

	switch {
	case errors.Is(err, service.ErrInvalidRedirect):
		return http.StatusBadGateway, "invalid upstream redirect"
	case errors.Is(err, resolver.ErrResolution):
		return http.StatusBadRequest, "invalid target url"
	case errors.Is(err, service.ErrDisallowedTarget):
		return http.StatusForbidden, "target host is not allowed"
	case errors.Is(err, service.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "upstream file exceeds size limit"
	case errors.Is(err, service.ErrTooManyRedirects):
		return http.StatusBadGateway, "too many upstream redirects"
	case errors.Is(err, service.ErrUnreplayableBody):
		return http.StatusBadGateway, "redirect cannot be followed with a request body"
	case client.IsTimeout(err):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	case errors.As(err, &upErr) && upErr.StatusCode != 0:
		return http.StatusBadGateway, "upstream unavailable"
	case errors.As(err, &dnsErr):
		return http.StatusBadGateway, "upstream host unreachable"
	case errors.As(err, &urlErr):
		return http.StatusBadGateway, "upstream connection failed"
	}
	return http.StatusBadGateway, "upstream request failed"
}

// sanitizeError redacts signed-URL credentials from error messages.
func sanitizeError(err error) string {
	return signedParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
