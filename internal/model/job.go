package model

import "time"

// JobStatus is the lifecycle state of a bulk run.
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// Job is the per-account singleton progress record for a bulk run.
// UpdatedAt doubles as a heartbeat: it is refreshed on every batch checkpoint,
// and a running job with a stale heartbeat may be taken over.
type Job struct {
	AccountID       int
	Status          JobStatus
	TotalCandidates int
	Processed       int
	Labelled        int
	Errors          int
	CurrentBatch    int
	TotalBatches    int
	LastError       string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// IdleJob returns the default job record for an account that never ran.
func IdleJob(accountID int) *Job {
	return &Job{AccountID: accountID, Status: JobIdle}
}
