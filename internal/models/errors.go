package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmbeddingUnavailable is matched by every provider failure that leaves
	// an entity without an embedding.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrProviderUnavailable is returned while the provider circuit is open.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
)

// TransientProviderError reports a provider call that failed after all retries.
type TransientProviderError struct {
	Attempts int
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

func (e *TransientProviderError) Is(target error) bool {
	return target == ErrEmbeddingUnavailable
}

// ProviderUnavailableError is returned without calling the provider while the
// circuit breaker is open.
type ProviderUnavailableError struct {
	RetryAfter string
}

func (e *ProviderUnavailableError) Error() string {
	if e.RetryAfter == "" {
		return ErrProviderUnavailable.Error()
	}
	return fmt.Sprintf("%s (retry after %s)", ErrProviderUnavailable, e.RetryAfter)
}

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable || target == ErrEmbeddingUnavailable
}

// ParseFailure isolates a chunker failure to one file.
type ParseFailure struct {
	Path string
	Err  error
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseFailure) Unwrap() error { return e.Err }

// StoreWriteFailure reports a failed graph or vector write for one file.
type StoreWriteFailure struct {
	Store string
	Path  string
	Err   error
}

func (e *StoreWriteFailure) Error() string {
	return fmt.Sprintf("%s store write for %s: %v", e.Store, e.Path, e.Err)
}

func (e *StoreWriteFailure) Unwrap() error { return e.Err }

// PartialDeletionFailure reports a deletion confirmed by only some stores.
type PartialDeletionFailure struct {
	Path    string
	Pending []string
	Errs    []error
}

func (e *PartialDeletionFailure) Error() string {
	return fmt.Sprintf("partial deletion of %s, still pending in %s: %v",
		e.Path, strings.Join(e.Pending, ","), errors.Join(e.Errs...))
}

func (e *PartialDeletionFailure) Unwrap() []error { return e.Errs }

// QueryTimeout reports a search sub-query that exceeded its budget.
type QueryTimeout struct {
	Store string
	Err   error
}

func (e *QueryTimeout) Error() string {
	return fmt.Sprintf("%s sub-query timed out: %v", e.Store, e.Err)
}

func (e *QueryTimeout) Unwrap() error { return e.Err }
