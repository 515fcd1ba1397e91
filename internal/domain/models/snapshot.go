package models

import (
	"time"

	"GtfsRtFeed/pkg/compress"
)

// Encoding is a precomputed compressed representation of a snapshot body.
type Encoding = compress.Encoded

// Snapshot is a serialized full-dataset feed with its cache metadata.
// Values are never mutated after they are published.
type Snapshot struct {
	Body         []byte
	Fingerprint  string
	LastModified time.Time
	Entities     int
	Encodings    []Encoding
}

// ETag returns the strong validator for the named representation.
func (s *Snapshot) ETag(encoding string) string {
	if encoding == "" || encoding == compress.Identity {
		return `"` + s.Fingerprint + `"`
	}
	return `"` + s.Fingerprint + "-" + encoding + `"`
}

// HealthStatus is computed on demand and never stored.
type HealthStatus struct {
	Healthy  bool
	Age      time.Duration
	Entities int
}
