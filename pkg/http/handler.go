package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler defines HTTP route registration interface.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

type metricsHandler struct {
	h http.Handler
}

// NewMetricsHandler exposes h as GET /metrics.
func NewMetricsHandler(h http.Handler) Handler {
	return metricsHandler{h: h}
}

func (m metricsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(m.h))
}
