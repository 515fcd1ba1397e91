package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	applogger "GtfsRtFeed/pkg/logger"
)

// HTTPRecorder receives one observation per served request.
type HTTPRecorder interface {
	RecordHTTPRequest(route, method string, status int, d time.Duration)
}

// Metrics records request metrics with low cardinality labels: the matched
// route template, or "unmatched".
func Metrics(l *applogger.Logger, r HTTPRecorder, slowThreshold time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			route := routeLabel(c, status)
			method := c.Request().Method
			duration := time.Since(start)

			r.RecordHTTPRequest(route, method, status, duration)

			// Structured logging: errors and slow requests
			if status >= http.StatusInternalServerError {
				l.Error("http request failed",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", status),
					applogger.Duration("duration_ms", duration),
					applogger.Int64("bytes", c.Response().Size),
				)
				return nil
			}
			if slowThreshold > 0 && duration >= slowThreshold {
				l.Warn("http request slow",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", status),
					applogger.Duration("duration_ms", duration),
					applogger.Int64("bytes", c.Response().Size),
				)
			}
			return nil
		}
	}
}

func routeLabel(c echo.Context, status int) string {
	if status == http.StatusNotFound || c.Path() == "" {
		return "unmatched"
	}
	return c.Path()
}
