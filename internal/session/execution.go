package session

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Stream event types carried over /ingest. The terminal kinds end an
// execution's lifecycle; everything else is pass-through.
const (
	EventOutput         = "output"
	EventError          = "error"
	EventComplete       = "complete"
	EventInterrupted    = "interrupted"
	EventKilocode       = "kilocode"
	EventMessageUpdated = "message.updated"
)

// Execution tracks one run of the agent. Terminal fields are written once;
// after that every further terminal signal is a no-op.
type Execution struct {
	ID            string     `json:"executionId"`
	SessionID     string     `json:"sessionId"`
	Mode          string     `json:"mode,omitempty"`
	StreamingMode string     `json:"streamingMode,omitempty"`
	IngestToken   string     `json:"-"`
	Status        Status     `json:"status"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// terminalOutcome is the validated result of a terminal stream event.
type terminalOutcome struct {
	status   Status
	exitCode *int
	branch   string
	message  string
}

// parseTerminal inspects an ingest event and reports whether it is a valid
// terminal signal. A `complete` without a numeric exitCode and an `error`
// without fatal=true are not terminal; callers leave the execution running.
func parseTerminal(eventType string, data json.RawMessage) (terminalOutcome, bool) {
	switch eventType {
	case EventComplete:
		var body struct {
			ExitCode      *int   `json:"exitCode"`
			CurrentBranch string `json:"currentBranch"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ExitCode == nil {
			return terminalOutcome{}, false
		}
		return terminalOutcome{status: StatusCompleted, exitCode: body.ExitCode, branch: body.CurrentBranch}, true
	case EventError:
		var body struct {
			Fatal   bool   `json:"fatal"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &body); err != nil || !body.Fatal {
			return terminalOutcome{}, false
		}
		return terminalOutcome{status: StatusFailed, message: body.Message}, true
	case EventInterrupted:
		return terminalOutcome{status: StatusInterrupted}, true
	}
	return terminalOutcome{}, false
}

// recordTerminal applies a validated terminal outcome. It reports whether a
// new terminal state was reached; duplicate or late terminal signals return
// false and leave the execution untouched.
func (e *Execution) recordTerminal(out terminalOutcome, now time.Time) bool {
	if e.IsTerminal() {
		return false
	}
	e.Status = out.status
	e.ExitCode = out.exitCode
	e.Branch = out.branch
	e.Error = out.message
	e.FinishedAt = &now
	return true
}
