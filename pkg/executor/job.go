package executor

import (
	"context"
	"time"
)

// JobStatus is the outcome of a routed job.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobIncapable JobStatus = "incapable"
	JobCancelled JobStatus = "cancelled"
)

// JobRecord describes one job routed to a peer.
type JobRecord struct {
	ID       string
	Method   Method
	Peer     string
	Status   JobStatus
	Error    string
	Started  time.Time
	Finished time.Time
}

// JobRecorder persists job records.
type JobRecorder interface {
	RecordJob(ctx context.Context, r JobRecord) error
}
