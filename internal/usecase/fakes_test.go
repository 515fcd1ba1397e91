package usecase

import (
	"context"
	"sync"
	"time"

	"GtfsRtFeed/internal/domain/models"
)

type fakeMetrics struct {
	mu            sync.Mutex
	received      int
	acked         int
	failed        map[string]int
	regenerations int
	regenErrors   int
	feedRequests  int
	health        map[bool]int
	lastSizes     map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{failed: map[string]int{}, health: map[bool]int{}}
}

func (f *fakeMetrics) RecordReceived() { f.mu.Lock(); f.received++; f.mu.Unlock() }
func (f *fakeMetrics) RecordAck()      { f.mu.Lock(); f.acked++; f.mu.Unlock() }
func (f *fakeMetrics) RecordError(stage string) {
	f.mu.Lock()
	f.failed[stage]++
	f.mu.Unlock()
}
func (f *fakeMetrics) RecordApplyLatency(float64) {}
func (f *fakeMetrics) RecordRegeneration(_ float64, _ int, sizes map[string]int, _ time.Time) {
	f.mu.Lock()
	f.regenerations++
	f.lastSizes = sizes
	f.mu.Unlock()
}
func (f *fakeMetrics) RecordRegenerationError() { f.mu.Lock(); f.regenErrors++; f.mu.Unlock() }
func (f *fakeMetrics) RecordFeedRequest()       { f.mu.Lock(); f.feedRequests++; f.mu.Unlock() }
func (f *fakeMetrics) RecordHealthCheck(healthy bool) {
	f.mu.Lock()
	f.health[healthy]++
	f.mu.Unlock()
}

func (f *fakeMetrics) regens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regenerations
}

func (f *fakeMetrics) failures(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[stage]
}

// stubAggregator serves canned bytes and records applied entities.
type stubAggregator struct {
	mu      sync.Mutex
	body    []byte
	err     error
	size    int
	applied []*models.UpdateEntity
	changes chan struct{}
}

func newStubAggregator() *stubAggregator {
	return &stubAggregator{changes: make(chan struct{}, 1)}
}

func (s *stubAggregator) Apply(_ context.Context, e *models.UpdateEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.applied = append(s.applied, e)
	return nil
}

func (s *stubAggregator) Snapshot() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.body, s.size, nil
}

func (s *stubAggregator) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *stubAggregator) Changes() <-chan struct{} { return s.changes }

func (s *stubAggregator) set(body []byte, size int, err error) {
	s.mu.Lock()
	s.body, s.size, s.err = body, size, err
	s.mu.Unlock()
}

type fixedSource struct{ snap *models.Snapshot }

func (f fixedSource) Current() *models.Snapshot { return f.snap }
