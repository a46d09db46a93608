package model

import "time"

// Email is the metadata of one remote message. The full body is never stored,
// only a short snippet.
type Email struct {
	ID           int
	AccountID    int
	RemoteID     string
	ThreadID     string
	Sender       string
	Recipients   []string
	Subject      string
	Snippet      string
	ReceivedAt   time.Time
	IsRead       bool
	RemoteLabels []string
	CreatedAt    time.Time
}

// Classification source tags.
const (
	SourceAI    = "ai"
	SourceRules = "rules"
	SourceUser  = "user"
)

// Classification is the persisted outcome attached 1:1 to an Email.
type Classification struct {
	EmailID    int
	Category   Category
	Confidence float64
	Rationale  string
	Source     string
	Labelled   bool
	CreatedAt  time.Time
}

// EmailWithClassification joins an email with its classification, if any.
type EmailWithClassification struct {
	Email          Email
	Classification *Classification
}

// RemoteLabel is a provider-side label as reported by the mail API.
type RemoteLabel struct {
	ID   string
	Name string
}
