package models

import (
	"fmt"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// UpdateEntity is one decoded inbound trip update. Immutable once built.
type UpdateEntity struct {
	ID         string
	TripUpdate *gtfs.TripUpdate
	Subject    string
	Received   time.Time
}

// EntityID derives an entity identifier from arrival time and the broker
// sequence, never from message content.
func EntityID(received time.Time, sequence uint64) string {
	return fmt.Sprintf("%d-%d", received.UnixMilli(), sequence)
}
