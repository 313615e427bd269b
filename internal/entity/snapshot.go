package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Snapshot is one platform's world state at one refresh instant.
//
// Category slices are nil when the upstream payload omitted them; an empty
// but present array decodes to a non-nil empty slice. Validate relies on that.
type Snapshot struct {
	Platform  string     `json:"platform,omitempty"`
	FetchedAt time.Time  `json:"timestamp"`
	Alerts    []Alert    `json:"alerts"`
	Invasions []Invasion `json:"invasions"`
	Fissures  []Fissure  `json:"fissures"`
	Sortie    *Sortie    `json:"sortie,omitempty"`
}

// DecodeSnapshot reads a JSON world-state payload and validates it.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseSnapshot is DecodeSnapshot for an in-memory payload.
func ParseSnapshot(b []byte) (*Snapshot, error) {
	return DecodeSnapshot(bytes.NewReader(b))
}

// Validate reports ErrMalformedSnapshot when a category array is missing or
// an entity carries no identifier.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrMalformedSnapshot)
	}
	var missing []string
	if s.Alerts == nil {
		missing = append(missing, "alerts")
	}
	if s.Invasions == nil {
		missing = append(missing, "invasions")
	}
	if s.Fissures == nil {
		missing = append(missing, "fissures")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedSnapshot, strings.Join(missing, ", "))
	}
	for _, a := range s.Alerts {
		if strings.TrimSpace(a.Key) == "" {
			return fmt.Errorf("%w: alert without id", ErrMalformedSnapshot)
		}
	}
	for _, i := range s.Invasions {
		if strings.TrimSpace(i.Key) == "" {
			return fmt.Errorf("%w: invasion without id", ErrMalformedSnapshot)
		}
	}
	for _, f := range s.Fissures {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("%w: fissure without id", ErrMalformedSnapshot)
		}
	}
	if s.Sortie != nil && strings.TrimSpace(s.Sortie.Key) == "" {
		return fmt.Errorf("%w: sortie without id", ErrMalformedSnapshot)
	}
	return nil
}

// IDs returns every entity id in the snapshot: alerts, fissures, invasions,
// then the sortie.
func (s *Snapshot) IDs() IDSet {
	ids := NewIDSet()
	if s == nil {
		return ids
	}
	for _, a := range s.Alerts {
		ids.Add(a.Key)
	}
	for _, f := range s.Fissures {
		ids.Add(f.Key)
	}
	for _, i := range s.Invasions {
		ids.Add(i.Key)
	}
	if s.Sortie != nil {
		ids.Add(s.Sortie.Key)
	}
	return ids
}
