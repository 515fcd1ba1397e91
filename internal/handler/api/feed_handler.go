package api

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"

	"GtfsRtFeed/internal/domain/models"
	domrepo "GtfsRtFeed/internal/domain/repository"
	"GtfsRtFeed/pkg/compress"
)

const feedContentType = "application/x-protobuf"

// HealthChecker computes liveness on demand.
type HealthChecker interface {
	Evaluate() models.HealthStatus
}

// FeedHandler serves the current snapshot and the liveness probe.
type FeedHandler struct {
	snapshots domrepo.SnapshotSource
	health    HealthChecker
	metrics   domrepo.Metrics
}

func NewFeedHandler(snapshots domrepo.SnapshotSource, health HealthChecker, metrics domrepo.Metrics) *FeedHandler {
	return &FeedHandler{snapshots: snapshots, health: health, metrics: metrics}
}

func (h *FeedHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Feed)
	e.HEAD("/", h.Feed)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.Health)
}

// Feed writes the current snapshot. Body, ETag and Last-Modified all come
// from the one snapshot loaded at the top.
func (h *FeedHandler) Feed(c echo.Context) error {
	h.metrics.RecordFeedRequest()

	snap := h.snapshots.Current()
	hdr := c.Response().Header()
	if snap == nil {
		hdr.Set(echo.HeaderCacheControl, "no-cache, no-store")
		return c.String(http.StatusServiceUnavailable, "feed not ready\n")
	}

	req := c.Request()
	hdr.Set(echo.HeaderVary, echo.HeaderAcceptEncoding)
	hdr.Set(echo.HeaderCacheControl, "no-cache")

	variant, ok := compress.Negotiate(req.Header.Get(echo.HeaderAcceptEncoding), snap.Body, snap.Encodings)
	if !ok {
		return c.String(http.StatusNotAcceptable, "not acceptable\n")
	}

	hdr.Set(echo.HeaderContentType, feedContentType)
	hdr.Set("ETag", snap.ETag(variant.Name))
	if variant.Name != compress.Identity {
		hdr.Set(echo.HeaderContentEncoding, variant.Name)
	}
	http.ServeContent(c.Response(), req, "", snap.LastModified, bytes.NewReader(variant.Body))
	return nil
}

// Health answers 200 while the feed is fresh and non-empty, 503 otherwise.
func (h *FeedHandler) Health(c echo.Context) error {
	st := h.health.Evaluate()
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache, no-store")
	if !st.Healthy {
		return c.String(http.StatusServiceUnavailable, "unhealthy\n")
	}
	return c.String(http.StatusOK, "ok\n")
}
