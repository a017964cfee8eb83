package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Active reports whether a task in this status may still be dispatched.
func (s Status) Active() bool { return s == StatusPending || s == StatusRunning }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the task state machine.
// RUNNING -> RUNNING is the crash-recovery re-claim.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Platforms a task may target. Each one maps to a dispatch base URL in config.
const (
	PlatformLinkedIn  = "linkedin"
	PlatformXTwitter  = "x_twitter"
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformWordPress = "wordpress"
	PlatformEmail     = "email"
)

var Platforms = []string{PlatformLinkedIn, PlatformXTwitter, PlatformFacebook, PlatformInstagram, PlatformWordPress, PlatformEmail}

func KnownPlatform(p string) bool {
	for _, v := range Platforms {
		if p == v {
			return true
		}
	}
	return false
}

const DefaultTaskType = "generic_task"

type Target struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

type Payload struct {
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type Task struct {
	ID          string
	OwnerID     string
	Target      Target
	TaskType    string
	TriggerAt   time.Time
	Payload     Payload
	Credentials json.RawMessage
	Status      Status
	Attempts    int
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attempt is one claim of a task by the dispatcher. FinishedAt is nil and
// Outcome empty while the attempt runs, or when the process stopped mid-call.
type Attempt struct {
	Number     int
	Recovery   bool
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Status
}

// Filter narrows Task listings. Zero fields match everything.
type Filter struct {
	OwnerID  string
	Status   Status
	Platform string
	Limit    int
}
