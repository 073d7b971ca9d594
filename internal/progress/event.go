package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported pipeline stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobState     Stage = "JOB_STATE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
	StageAnalysisDone Stage = "ANALYSIS_DONE"
)

// Event is one pipeline milestone.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// State is the job state entered, for JOB_STATE events.
	State string
	// Site scopes page events to a host label.
	Site string
	URL  string
	// Outcome is the page fetch status (ok, error, skipped) for PAGE_DONE.
	Outcome   string
	FromCache bool
	Dur       time.Duration
	Note      string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageAnalysisDone:
	case StageJobState:
		if e.State == "" {
			return errors.New("job state event requires state")
		}
	case StagePageDone:
		if e.Site == "" {
			return errors.New("page event requires site")
		}
		if e.Outcome == "" {
			return errors.New("page event requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
