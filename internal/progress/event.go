package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StagePartitionStart Stage = "PARTITION_START"
	StagePartitionDone  Stage = "PARTITION_DONE"
	StagePartitionCrash Stage = "PARTITION_CRASH"
	StageItemAttempt    Stage = "ITEM_ATTEMPT"
	StageItemDone       Stage = "ITEM_DONE"
)

// Event is a single progress observation.
type Event struct {
	// RunID identifies the orchestrator invocation.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Partition is the partition index; -1 for run-level events.
	Partition int
	ItemID    string
	Attempt   int
	// Outcome is an attempt outcome for ITEM_ATTEMPT and a checkpoint status
	// for ITEM_DONE.
	Outcome string
	Dur     time.Duration
	// Note carries low-volume context such as an error message.
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
	case StagePartitionStart, StagePartitionDone, StagePartitionCrash:
		if e.Partition < 0 {
			return errors.New("partition event requires partition index")
		}
	case StageItemAttempt, StageItemDone:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
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
