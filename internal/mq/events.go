package mq

import "time"

// Routing keys for triage events.
const (
	RoutingKeyJobCompleted    = "triage.job.completed"
	RoutingKeyEmailClassified = "triage.email.classified"
)

// JobCompletedPayload is published when a bulk run terminates.
type JobCompletedPayload struct {
	AccountID   int       `json:"account_id"`
	Status      string    `json:"status"`
	Processed   int       `json:"processed"`
	Labelled    int       `json:"labelled"`
	Errors      int       `json:"errors"`
	CompletedAt time.Time `json:"completed_at"`
}

// EmailClassifiedPayload is published once per persisted classification.
type EmailClassifiedPayload struct {
	AccountID  int     `json:"account_id"`
	EmailID    int     `json:"email_id"`
	RemoteID   string  `json:"remote_id"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}
