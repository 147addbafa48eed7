// Package progress defines the events emitted while a bundle run advances.
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
	StageRunStart  Stage = "RUN_START"
	StageRunHB     Stage = "RUN_HEARTBEAT"
	StageBatchDone Stage = "BATCH_DONE"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
)

// Event captures a single step of a bundle run.
type Event struct {
	// RunID identifies one iterate invocation using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Format is the decoder name, e.g. "warc".
	Format string
	// Partition is the partition file the batch was read from.
	Partition string
	// Records counts the records emitted by a batch.
	Records int64
	// Bytes counts the page bytes emitted by a batch.
	Bytes int64
	// Dur is the batch latency, or the run wall time for RUN_DONE/RUN_ERROR.
	Dur time.Duration
	// Note carries the heartbeat stage or error text.
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
	case StageRunHB:
		if e.Note == "" {
			return errors.New("heartbeat requires a note")
		}
	case StageBatchDone:
		if e.Format == "" {
			return errors.New("batch done requires format")
		}
		if e.Records < 0 || e.Bytes < 0 {
			return errors.New("batch counters must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
