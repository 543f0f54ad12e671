package handler

import (
	"embed"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"gh-proxy-go/internal/resolver"
)

//go:embed static
var staticFS embed.FS

// LandingHandler serves the usage page, static assets and ?url= lookups.
type LandingHandler struct {
	resolver *resolver.Resolver
	logger   *slog.Logger

	index   []byte
	favicon []byte
	robots  []byte
}

// NewLandingHandler creates a LandingHandler from the embedded assets.
func NewLandingHandler(res *resolver.Resolver, logger *slog.Logger) (*LandingHandler, error) {
	h := &LandingHandler{
		resolver: res,
		logger:   logger.With("component", "landing_handler"),
	}
	for name, dst := range map[string]*[]byte{
		"static/index.html":  &h.index,
		"static/favicon.ico": &h.favicon,
		"static/robots.txt":  &h.robots,
	} {
		b, err := staticFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", name, err)
		}
		*dst = b
	}
	return h, nil
}

// Index serves the usage page. With a url query parameter it redirects to
// the canonical proxy path for that URL instead.
func (h *LandingHandler) Index(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		if _, ok := c.QueryParams()["url"]; ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid target url"})
		}
		return c.HTMLBlob(http.StatusOK, h.index)
	}

	t, err := h.resolver.ResolveURL(raw)
	if err != nil {
		h.logger.Debug("rejected url parameter", "err", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid target url"})
	}
	return c.Redirect(http.StatusFound, resolver.ProxyPath(t))
}

// Favicon serves the embedded favicon.
func (h *LandingHandler) Favicon(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=86400")
	return c.Blob(http.StatusOK, "image/x-icon", h.favicon)
}

// Robots serves robots.txt; crawlers may index the landing page only.
func (h *LandingHandler) Robots(c echo.Context) error {
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, h.robots)
}
