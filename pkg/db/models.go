package db

import "time"

// ExecutorRow is a row of the executors table.
type ExecutorRow struct {
	ID       string
	Manifest []byte
	Revision int
	Created  time.Time
	Modified time.Time
}
