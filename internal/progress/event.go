// Package progress defines the event structures emitted by the crawl engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunState     Stage = "RUN_STATE"
	StageRunDone      Stage = "RUN_DONE"
	StageRecordStored Stage = "RECORD_STORED"
	StageFetchFailed  Stage = "FETCH_FAILED"
)

// Event captures a single component of crawl progress.
type Event struct {
	// RunID uniquely identifies a crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or record milestone occurred.
	Stage Stage
	// Space is the id space ("item" or "user") of record events.
	Space string
	// Kind is the item type of stored items.
	Kind string
	// ID is the record id within Space.
	ID string
	// ErrorKind classifies failed fetches.
	ErrorKind string
	// State is the run state entered by RUN_STATE events.
	State string
	// Reason is the stop reason carried by RUN_DONE.
	Reason string
	// Count is the record total carried by RUN_DONE.
	Count int64
	// Dur is the fetch latency for record events and the run wall time for RUN_DONE.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageRunState:
		if e.State == "" {
			return errors.New("run state requires state")
		}
	case StageRecordStored:
		if e.Space == "" || e.ID == "" {
			return errors.New("record stored requires space and id")
		}
	case StageFetchFailed:
		if e.Space == "" || e.ID == "" {
			return errors.New("fetch failed requires space and id")
		}
		if e.ErrorKind == "" {
			return errors.New("fetch failed requires error kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual run id into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
