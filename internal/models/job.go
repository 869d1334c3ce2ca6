package models

import (
	"time"
)

// JobState enumerates queue job lifecycle states.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Live reports whether a job in this state still blocks a duplicate enqueue.
func (s JobState) Live() bool {
	return s == JobWaiting || s == JobActive || s == JobDelayed
}

// JobPayload is the action batch produced by one status transition.
type JobPayload struct {
	OrderID    string       `json:"orderId"`
	StatusCode string       `json:"statusCode"`
	Actions    []ActionSpec `json:"actions"`
	LogID      string       `json:"logId"`
	UserID     string       `json:"userId"`
}

// JobID derives the deterministic job identity for one transition.
func JobID(orderID, statusCode, logID string) string {
	return orderID + ":" + statusCode + ":" + logID
}

// ID returns the payload's job identity.
func (p JobPayload) ID() string {
	return JobID(p.OrderID, p.StatusCode, p.LogID)
}

// QueueJob is one action batch tracked by a queue backend.
type QueueJob struct {
	ID            string     `json:"id"`
	Payload       JobPayload `json:"payload"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"maxAttempts"`
	BackoffBaseMs int64      `json:"backoffBaseMs"`
	NextRunAt     time.Time  `json:"nextRunAt"`
	State         JobState   `json:"state"`
	LastError     *string    `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// FailureRecord is a job that exhausted its attempts.
type FailureRecord struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	StatusCode string    `json:"statusCode"`
	LogID      string    `json:"logId"`
	Error      string    `json:"error"`
	FinishedAt time.Time `json:"finishedAt"`
	Attempts   int       `json:"attempts"`
}

// QueueMetricsSnapshot is a point-in-time view of queue state.
type QueueMetricsSnapshot struct {
	Waiting        int64           `json:"waiting"`
	Active         int64           `json:"active"`
	Delayed        int64           `json:"delayed"`
	Processed24h   int64           `json:"processed24h"`
	Failed24h      int64           `json:"failed24h"`
	FailedLastHour int64           `json:"failedLastHour"`
	RecentFailures []FailureRecord `json:"recentFailures"`
	CollectedAt    time.Time       `json:"collectedAt"`
}
