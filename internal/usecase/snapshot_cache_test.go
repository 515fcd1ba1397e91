package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"GtfsRtFeed/internal/aggregator"
	"GtfsRtFeed/internal/domain/models"
	"GtfsRtFeed/pkg/compress"
)

func newEncoder(t *testing.T) *compress.Encoder {
	t.Helper()
	enc, err := compress.NewEncoder(compress.DefaultLimits())
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })
	return enc
}

func tripEntity(id string, seq uint64) *models.UpdateEntity {
	return &models.UpdateEntity{
		ID: models.EntityID(time.Now(), seq),
		TripUpdate: &gtfs.TripUpdate{
			Trip: &gtfs.TripDescriptor{TripId: proto.String(id)},
		},
	}
}

func entityCount(t *testing.T, body []byte) int {
	t.Helper()
	var msg gtfs.FeedMessage
	require.NoError(t, proto.Unmarshal(body, &msg))
	return len(msg.GetEntity())
}

func TestStartPublishesInitialSnapshot(t *testing.T) {
	agg := aggregator.New(time.Minute)
	m := newFakeMetrics()
	c := NewSnapshotCache(agg, newEncoder(t), m, nil, 50*time.Millisecond)
	assert.Nil(t, c.Current())

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	snap := c.Current()
	require.NotNil(t, snap)
	assert.Equal(t, 0, entityCount(t, snap.Body))
	assert.Equal(t, Fingerprint(snap.Body), snap.Fingerprint)
	assert.Len(t, snap.Fingerprint, 32)
	assert.Equal(t, 1, m.regens())
}

func TestBurstRegeneratesOnce(t *testing.T) {
	const window = 100 * time.Millisecond
	agg := aggregator.New(time.Minute)
	m := newFakeMetrics()
	c := NewSnapshotCache(agg, newEncoder(t), m, nil, window)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	const k = 25
	for i := 0; i < k; i++ {
		require.NoError(t, agg.Apply(context.Background(), tripEntity(fmt.Sprintf("trip-%d", i), uint64(i))))
	}

	require.Eventually(t, func() bool { return m.regens() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * window)
	assert.Equal(t, 2, m.regens(), "one regeneration for the whole burst")

	snap := c.Current()
	assert.Equal(t, k, snap.Entities)
	assert.Equal(t, k, entityCount(t, snap.Body))
}

func TestFingerprintTracksBytes(t *testing.T) {
	agg := aggregator.New(time.Minute)
	c := NewSnapshotCache(agg, newEncoder(t), newFakeMetrics(), nil, time.Hour)

	require.NoError(t, c.Regenerate())
	first := c.Current()

	require.NoError(t, c.Regenerate())
	second := c.Current()
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotSame(t, first, second)

	require.NoError(t, agg.Apply(context.Background(), tripEntity("t1", 1)))
	require.NoError(t, c.Regenerate())
	third := c.Current()
	assert.NotEqual(t, second.Body, third.Body)
	assert.NotEqual(t, second.Fingerprint, third.Fingerprint)
}

func TestRegenerationErrorKeepsPreviousSnapshot(t *testing.T) {
	agg := newStubAggregator()
	agg.set([]byte("feed-v1"), 1, nil)
	m := newFakeMetrics()
	c := NewSnapshotCache(agg, newEncoder(t), m, nil, time.Hour)

	require.NoError(t, c.Regenerate())
	before := c.Current()

	agg.set(nil, 1, errors.New("marshal failed"))
	assert.Error(t, c.Regenerate())
	assert.Same(t, before, c.Current())
	assert.Equal(t, 1, m.regenErrors)

	assert.Error(t, NewSnapshotCache(agg, newEncoder(t), m, nil, time.Hour).Start(context.Background()))
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	agg := aggregator.New(time.Minute)
	c := NewSnapshotCache(agg, newEncoder(t), newFakeMetrics(), nil, time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			_ = agg.Apply(ctx, tripEntity(fmt.Sprintf("trip-%d", i%50), uint64(i)))
			_ = c.Regenerate()
		}
	}()

	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := c.Current()
				if Fingerprint(snap.Body) != snap.Fingerprint {
					errs <- fmt.Errorf("fingerprint does not match body")
					return
				}
				for _, e := range snap.Encodings {
					if e.Name != compress.Gzip {
						continue
					}
					zr, err := gzip.NewReader(bytes.NewReader(e.Body))
					if err != nil {
						errs <- err
						return
					}
					plain, err := io.ReadAll(zr)
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(plain, snap.Body) {
						errs <- fmt.Errorf("gzip variant does not match body")
						return
					}
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	agg := aggregator.New(time.Minute)
	m := newFakeMetrics()
	c := NewSnapshotCache(agg, newEncoder(t), m, nil, 20*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()
	<-c.done

	require.NoError(t, agg.Apply(context.Background(), tripEntity("late", 1)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, m.regens())
}

// overlapEncoder records the largest number of Encode calls in flight.
type overlapEncoder struct {
	inner    Encoder
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *overlapEncoder) Encode(body []byte) ([]compress.Encoded, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return e.inner.Encode(body)
}

func TestRegenerateSerializesWithCoalescedRuns(t *testing.T) {
	agg := aggregator.New(time.Minute)
	enc := &overlapEncoder{inner: newEncoder(t)}
	c := NewSnapshotCache(agg, enc, newFakeMetrics(), nil, time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = agg.Apply(context.Background(), tripEntity(fmt.Sprintf("trip-%d-%d", w, i), uint64(i)))
				_ = c.Regenerate()
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, c.Regenerate())
	assert.Equal(t, int32(1), enc.peak.Load())

	snap := c.Current()
	body, n, err := agg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(body), snap.Fingerprint)
	assert.Equal(t, 160, n)
	assert.Equal(t, n, snap.Entities)
	assert.Equal(t, n, entityCount(t, snap.Body))
}
