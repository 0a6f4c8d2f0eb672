// Package progress defines the events emitted while a prerender run advances.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageRouteStart Stage = "ROUTE_START"
	StageRouteDone  Stage = "ROUTE_DONE"
	StageRouteError Stage = "ROUTE_ERROR"
)

// Event captures a single milestone of a run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Phase is the orchestrator phase the event was emitted from.
	Phase string
	// Route is the requested route for route events.
	Route string
	// FinalRoute is the route observed after client-side redirects.
	FinalRoute string
	// Bytes is the size of the written document.
	Bytes int64
	// Discovered counts links found on the page.
	Discovered int
	// Rendered is the distinct route count carried by RUN_DONE.
	Rendered int
	Dur      time.Duration
	// Note carries low-volume context such as error text.
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
	case StageRunStart, StageRunDone, StageRunError:
	case StageRouteStart, StageRouteDone, StageRouteError:
		if e.Route == "" {
			return fmt.Errorf("%s requires route", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
