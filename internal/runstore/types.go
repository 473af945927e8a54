package runstore

import (
	"errors"
	"time"
)

// Run is one recorded pipeline execution.
type Run struct {
	ID         string
	Pipeline   string
	Finished   bool
	NodeCount  int
	CreatedAt  time.Time
	FinishedAt *time.Time
}

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
)
