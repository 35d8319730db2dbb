package indexer

import (
	"errors"
	"fmt"
	"time"
)

// FileFailure is one file that could not be indexed or removed.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
	err   error
}

func (f FileFailure) Unwrap() error { return f.err }

// BatchReport summarizes the execution of a plan. Failures of single files
// are collected here instead of aborting the batch.
type BatchReport struct {
	Context          string        `json:"context"`
	Indexed          int           `json:"indexed"`
	Unchanged        int           `json:"unchanged"`
	Removed          int           `json:"removed"`
	Stale            int           `json:"stale"`
	EmbeddingPending int           `json:"embeddingPending"`
	Entities         int           `json:"entities"`
	Relationships    int           `json:"relationships"`
	WeakReferences   int           `json:"weakReferences"`
	Failures         []FileFailure `json:"failures,omitempty"`
	Skipped          []FileFailure `json:"skipped,omitempty"`
	Duration         time.Duration `json:"duration"`
}

func (r *BatchReport) fail(path string, err error) {
	r.Failures = append(r.Failures, FileFailure{Path: path, Error: err.Error(), err: err})
}

// Err joins the per-file failures, or returns nil when there were none.
func (r *BatchReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.Path, f.err)
	}
	return errors.Join(errs...)
}
