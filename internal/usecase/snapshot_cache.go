package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"GtfsRtFeed/internal/domain/models"
	drepo "GtfsRtFeed/internal/domain/repository"
	"GtfsRtFeed/pkg/compress"
	applogger "GtfsRtFeed/pkg/logger"
)

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 32

// Encoder precomputes compressed representations of a snapshot body.
type Encoder interface {
	Encode(body []byte) ([]compress.Encoded, error)
}

// SnapshotCache owns the current published snapshot and regenerates it on a
// coalesced schedule driven by aggregator change events.
type SnapshotCache struct {
	agg     drepo.Aggregator
	enc     Encoder
	metrics drepo.Metrics
	log     *applogger.Logger
	now     func() time.Time

	current   atomic.Pointer[models.Snapshot]
	coalescer *Coalescer

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSnapshotCache creates a cache regenerating at most once per window.
func NewSnapshotCache(
	agg drepo.Aggregator,
	enc Encoder,
	metrics drepo.Metrics,
	l *applogger.Logger,
	window time.Duration,
) *SnapshotCache {
	if l == nil {
		l = applogger.Nop()
	}
	c := &SnapshotCache{
		agg:     agg,
		enc:     enc,
		metrics: metrics,
		log:     l.Named("snapshot"),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.coalescer = NewCoalescer(window, func() {
		_ = c.regenerate()
	})
	return c
}

// Start publishes an initial snapshot, then follows change events until
// Stop or ctx is done.
func (c *SnapshotCache) Start(ctx context.Context) error {
	if err := c.Regenerate(); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	go c.loop(ctx)
	return nil
}

func (c *SnapshotCache) loop(ctx context.Context) {
	defer close(c.done)
	changes := c.agg.Changes()
	for {
		select {
		case <-changes:
			c.coalescer.Trigger()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Regenerate builds and publishes a snapshot from the aggregator. On error
// the previous snapshot stays current. Calls are serialized with coalesced
// runs, so snapshots are published in the order they were built.
func (c *SnapshotCache) Regenerate() error {
	var err error
	c.coalescer.Do(func() { err = c.regenerate() })
	return err
}

func (c *SnapshotCache) regenerate() error {
	start := time.Now()
	snap, err := c.build()
	if err != nil {
		c.metrics.RecordRegenerationError()
		c.log.Error("snapshot regeneration failed", applogger.Error(err))
		return err
	}
	c.current.Store(snap)

	sizes := map[string]int{compress.Identity: len(snap.Body)}
	for _, e := range snap.Encodings {
		sizes[e.Name] = len(e.Body)
	}
	elapsed := time.Since(start)
	c.metrics.RecordRegeneration(elapsed.Seconds(), snap.Entities, sizes, snap.LastModified)
	c.log.Debug("snapshot published",
		applogger.String("fingerprint", snap.Fingerprint),
		applogger.Int("entities", snap.Entities),
		applogger.Int("bytes", len(snap.Body)),
		applogger.Duration("took", elapsed),
	)
	return nil
}

func (c *SnapshotCache) build() (*models.Snapshot, error) {
	body, entities, err := c.agg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("serialize dataset: %w", err)
	}
	encodings, err := c.enc.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return &models.Snapshot{
		Body:         body,
		Fingerprint:  Fingerprint(body),
		LastModified: c.now(),
		Entities:     entities,
		Encodings:    encodings,
	}, nil
}

// Current returns the published snapshot, nil before the first one.
func (c *SnapshotCache) Current() *models.Snapshot {
	return c.current.Load()
}

// Stop cancels pending regenerations and the notification loop. Safe to
// call more than once.
func (c *SnapshotCache) Stop() {
	c.stopOnce.Do(func() {
		c.coalescer.Stop()
		close(c.stop)
	})
}

// Fingerprint derives the cache validator for body.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
