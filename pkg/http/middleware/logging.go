package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "GtfsRtFeed/pkg/logger"
)

// RequestLogging logs HTTP requests at debug level. Handler errors are
// rendered here so the logged status is the one sent.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			l.Debug("http request",
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Int64("bytes", res.Size),
				applogger.Duration("latency", time.Since(start)),
			)
			return nil
		}
	}
}
