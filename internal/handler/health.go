package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"gh-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	DefaultHost    string            `json:"default_host"`
	Routes         map[string]string `json:"routes"`
	MaxRedirects   int               `json:"max_redirects"`
	RewriteEnabled bool              `json:"rewrite_enabled"`
	CDNRedirect    bool              `json:"cdn_redirect"`
	BlobToRaw      bool              `json:"blob_to_raw"`
}

// Status returns the proxy's version and effective routing policy.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make(map[string]string, len(h.cfg.Proxy.Routes))
	for _, r := range h.cfg.Proxy.Routes {
		routes[r.Token] = r.BaseURL
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		DefaultHost:    h.cfg.Proxy.DefaultHost,
		Routes:         routes,
		MaxRedirects:   h.cfg.Upstream.MaxRedirects,
		RewriteEnabled: h.cfg.Rewrite.Enabled,
		CDNRedirect:    h.cfg.Proxy.CDNRedirect,
		BlobToRaw:      h.cfg.Proxy.BlobToRaw,
	})
}
