// Package aggregation is the single source of truth for the keyed
// container backing error accounting: one FailedExecutionItem per
// execution, one ExecutionErrorLink per (execution, errorCode) pair, one
// ErrorRecord per errorCode. All retry, conditional-update, and GSI-key
// computation for that container is encapsulated here; callers never
// touch a DynamoDB type directly.
package aggregation

import (
	"encoding/json"
	"time"
)

// ErrorStatus is the lifecycle state of an ExecutionErrorLink, mirrored
// onto its parent ErrorRecord. failed and maybeSolved are non-terminal;
// solved and maybeUnrecoverable are terminal.
type ErrorStatus string

const (
	StatusFailed             ErrorStatus = "failed"
	StatusMaybeSolved        ErrorStatus = "maybeSolved"
	StatusMaybeUnrecoverable ErrorStatus = "maybeUnrecoverable"
	StatusSolved             ErrorStatus = "solved"
)

// IsTerminal reports whether no further resolver action applies to a link
// in this status.
func (s ErrorStatus) IsTerminal() bool {
	return s == StatusSolved || s == StatusMaybeUnrecoverable
}

// entityType discriminators stored on every row so a read can reject a
// row whose shape disagrees with the caller's expectation instead of
// silently coercing it.
const (
	entityTypeErrorRecord    = "ErrorRecord"
	entityTypeExecutionError = "ExecutionError"
	entityTypeFailedExec     = "FailedExecution"
)

// S3Pointer identifies the source object a DLQ replay would need to
// re-ingest from Prepare.
type S3Pointer struct {
	Bucket string
	Key    string
}

// ErrorRecord is the aggregate across all executions that have observed a
// given errorCode.
type ErrorRecord struct {
	ErrorCode         string
	ErrorType         string
	TotalCount        int64
	ErrorStatus       ErrorStatus
	ErrorDetails      json.RawMessage
	LatestExecutionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionErrorLink is the join row between one execution and one
// errorCode.
type ExecutionErrorLink struct {
	ExecutionID  string
	ErrorCode    string
	Occurrences  int64
	Status       ErrorStatus
	County       string
	ErrorDetails json.RawMessage
}

// FailedExecutionItem is the per-execution aggregate.
type FailedExecutionItem struct {
	ExecutionID      string
	OpenErrorCount   int64
	UniqueErrorCount int64
	TotalOccurrences int64
	ErrorType        string
	Status           ErrorStatus
	County           string
	TaskToken        *string
	PreparedS3URI    *string
	Source           *S3Pointer
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkflowError is one error entry inside an ingress workflow event.
type WorkflowError struct {
	Code    string
	Details json.RawMessage
}

// SaveResult is returned by SaveErrorRecords: the shape of the upsert
// effects the event handler needs to know about, without leaking the
// container's internal row layout.
type SaveResult struct {
	UniqueErrorCount int64
	TotalOccurrences int64
	ErrorCodes       []string
}

// DecrementResult is returned by DecrementOpenErrorCount and by the
// per-item results of BatchDecrementOpenErrorCounts.
type DecrementResult struct {
	ExecutionID string
	Found       bool
	NewCount    int64
	ErrorType   string
	TaskToken   *string
	County      string
}

// ErrorCodeDecrementResult is the per-item result of
// BatchDecrementErrorRecordCounts.
type ErrorCodeDecrementResult struct {
	ErrorCode string
	Found     bool
	NewCount  int64
	ErrorType string
}

// GsiUpdate describes one row whose GSI sort key must be rewritten to
// encode a freshly observed count.
type GsiUpdate struct {
	ID        string // executionId or errorCode
	NewCount  int64
	ErrorType string
	Status    ErrorStatus
}
