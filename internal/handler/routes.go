package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every
// path not claimed by a fixed route is a proxy path.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, landing *LandingHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/", landing.Index)
	e.HEAD("/", landing.Index)
	e.GET("/favicon.ico", landing.Favicon)
	e.GET("/robots.txt", landing.Robots)

	e.Any("/*", proxy.Handle)
}
