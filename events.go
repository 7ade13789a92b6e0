package gateway

import "time"

// Stream event names.
const (
	EventMessage = "message"
	EventRaw     = "raw"
	EventState   = "state"
)

// Status is the lifecycle phase of one worker name.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
)

// ProcessState is the supervisor's view of one worker name. It lives only in
// memory and is rebuilt from scratch when the gateway restarts.
type ProcessState struct {
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	RestartCount int        `json:"restartCount"`
	BackoffMs    int        `json:"backoffMs"`
	Exit         *ExitInfo  `json:"exit,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	PID          int        `json:"pid,omitempty"`
}

// StateEvent is the payload of a "state" stream event.
type StateEvent struct {
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Exit      *ExitInfo `json:"exit,omitempty"`
	Restarts  int       `json:"restarts"`
	BackoffMs int       `json:"backoffMs,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrorBody is the structured failure body shared by every JSON endpoint.
type ErrorBody struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// OKBody acknowledges a successful send.
type OKBody struct {
	OK bool `json:"ok"`
}
