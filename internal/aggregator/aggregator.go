// Package aggregator turns differential trip updates into a full dataset
// GTFS-Realtime feed. Each trip keeps only its latest update, which expires
// after a TTL without refresh.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"GtfsRtFeed/internal/domain/models"
)

// GTFSRealtimeVersion is written into every feed header.
const GTFSRealtimeVersion = "2.0"

var ErrNoTrip = errors.New("entity has no trip update")

type entry struct {
	entity  *gtfs.FeedEntity
	expires time.Time
}

// Store is an in-memory Aggregator.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.Mutex
	entries    map[string]entry
	lastChange time.Time

	changes  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures Store.
type Option func(*Store)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store whose entries expire ttl after their last update.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastChange = s.now()
	return s
}

// Start runs the expiry janitor until Stop.
func (s *Store) Start() {
	interval := s.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	go s.janitor(interval)
}

// Stop ends the janitor. Entries are kept.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Store) janitor(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Apply stores e under its trip key, replacing any earlier update for the
// same trip and refreshing its expiry.
func (s *Store) Apply(ctx context.Context, e *models.UpdateEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.TripUpdate == nil {
		return ErrNoTrip
	}
	key := Key(e)

	fe := &gtfs.FeedEntity{
		Id:         proto.String(e.ID),
		TripUpdate: e.TripUpdate,
	}

	s.mu.Lock()
	now := s.now()
	s.entries[key] = entry{entity: fe, expires: now.Add(s.ttl)}
	s.lastChange = now
	s.mu.Unlock()

	s.notify()
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	for k, en := range s.entries {
		if !now.Before(en.expires) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		s.lastChange = now
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notify()
	}
	return removed
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes returns a channel that receives after the dataset changed.
// Notifications coalesce while unread.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Size returns the number of live entities.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot serializes the dataset as a FULL_DATASET FeedMessage and returns
// the number of entities it holds. Entities are ordered by key and marshaled
// deterministically, so equal content yields equal bytes.
func (s *Store) Snapshot() ([]byte, int, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entities := make([]*gtfs.FeedEntity, 0, len(keys))
	for _, k := range keys {
		entities = append(entities, s.entries[k].entity)
	}
	ts := uint64(s.lastChange.Unix())
	s.mu.Unlock()

	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(GTFSRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(ts),
		},
		Entity: entities,
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal feed message: %w", err)
	}
	return b, len(entities), nil
}

// Key identifies the trip an entity belongs to: the trip ID, else the
// route/start date/start time/direction tuple, else the entity ID.
func Key(e *models.UpdateEntity) string {
	td := e.TripUpdate.GetTrip()
	if id := td.GetTripId(); id != "" {
		return id
	}
	if td.GetRouteId() != "" {
		parts := []string{
			td.GetRouteId(),
			td.GetStartDate(),
			td.GetStartTime(),
		}
		if td.DirectionId != nil {
			parts = append(parts, strconv.FormatUint(uint64(td.GetDirectionId()), 10))
		}
		return strings.Join(parts, "/")
	}
	return e.ID
}
