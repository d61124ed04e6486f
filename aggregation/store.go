package aggregation

import "context"

// WorkflowEvent is the normalized ingress shape SaveErrorRecords and
// UpdateExecutionMetadata consume — the eventhandler package translates
// the wire envelope into this before calling the repository.
type WorkflowEvent struct {
	ExecutionID     string
	County          string
	TaskToken       *string
	PreparedS3URI   *string
	Source          *S3Pointer
	Errors          []WorkflowError
	DeduplicationID string
}

// DecrementInput is one item of a BatchDecrementOpenErrorCounts /
// BatchDecrementErrorRecordCounts call.
type DecrementInput struct {
	ID string // executionId or errorCode
	By int64
}

// Store is the single source of truth for the error-accounting container:
// one FailedExecutionItem per execution, one ExecutionErrorLink per
// (execution, errorCode) pair, one ErrorRecord per errorCode, plus their
// four ordered GSIs. It is an interface — not a concrete DynamoDB type —
// so every handler can be unit-tested against an in-memory fake.
type Store interface {
	// SaveErrorRecords upserts one FailedExecutionItem, N
	// ExecutionErrorLinks, and M ErrorRecords (M <= N) for one workflow
	// event.
	SaveErrorRecords(ctx context.Context, event WorkflowEvent) (SaveResult, error)

	// UpdateExecutionMetadata applies a SUCCEEDED event carrying no
	// errors but a fresh taskToken/preparedS3Uri.
	UpdateExecutionMetadata(ctx context.Context, event WorkflowEvent) error

	// QueryExecutionByErrorCount reads GS1(exec) (or GS3 when errorType
	// is non-empty), sortOrder "least" or "most", limit 1.
	QueryExecutionByErrorCount(ctx context.Context, sortOrder string, errorType string) (FailedExecutionItem, bool, error)

	// GetExecution reads one FailedExecutionItem by id.
	GetExecution(ctx context.Context, executionID string) (FailedExecutionItem, bool, error)

	// QueryExecutionErrorLinks paginates all links for an execution.
	QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]ExecutionErrorLink, error)

	// QueryErrorLinksForErrorCode paginates all links for an error via
	// the inverse link index.
	QueryErrorLinksForErrorCode(ctx context.Context, errorCode string) ([]ExecutionErrorLink, error)

	// DecrementOpenErrorCount conditionally subtracts by from an
	// execution's openErrorCount, guarded by openErrorCount >= by. On a
	// failed precondition it returns {Found: false}, never an error.
	DecrementOpenErrorCount(ctx context.Context, executionID string, by int64) (DecrementResult, error)

	// BatchDecrementOpenErrorCounts fans DecrementOpenErrorCount out in
	// parallel; individual failures are captured per item and never
	// abort siblings.
	BatchDecrementOpenErrorCounts(ctx context.Context, inputs []DecrementInput) ([]DecrementResult, error)

	// BatchDecrementErrorRecordCounts is the ErrorRecord.totalCount
	// analogue of BatchDecrementOpenErrorCounts.
	BatchDecrementErrorRecordCounts(ctx context.Context, inputs []DecrementInput) ([]ErrorCodeDecrementResult, error)

	// BatchUpdateExecutionGsiKeys rewrites GS1(exec)/GS3 sort keys for
	// executions to the post-decrement count. It returns an error only
	// when every update failed, for the caller to log and move past
	// (§3.2 invariant 5 tolerates lag); a partial failure is not reported.
	BatchUpdateExecutionGsiKeys(ctx context.Context, updates []GsiUpdate) error

	// BatchUpdateErrorRecordGsiKeys is the ErrorRecord analogue.
	BatchUpdateErrorRecordGsiKeys(ctx context.Context, updates []GsiUpdate) error

	// BatchDeleteFailedExecutionItems chunks ids into groups of <= 25 and
	// retries UnprocessedItems by key equality.
	BatchDeleteFailedExecutionItems(ctx context.Context, ids []string) error

	// BatchDeleteErrorRecords is the ErrorRecord analogue.
	BatchDeleteErrorRecords(ctx context.Context, codes []string) error

	// DeleteErrorsForExecution cascades: deletes every link for an
	// execution, decrements the corresponding ErrorRecord counts, and
	// deletes the FailedExecutionItem.
	DeleteErrorsForExecution(ctx context.Context, executionID string) error

	// DeleteErrorFromAllExecutions cascades the opposite direction:
	// deletes every link for an errorCode across all executions,
	// decrements each execution's openErrorCount, and deletes the
	// ErrorRecord.
	DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) error

	// MarkErrorAsUnrecoverableForExecution transitions every link for an
	// execution (and the execution itself and each touched ErrorRecord)
	// to maybeUnrecoverable.
	MarkErrorAsUnrecoverableForExecution(ctx context.Context, executionID string) error

	// MarkErrorAsUnrecoverableForErrorCode transitions every link for an
	// errorCode, and the ErrorRecord itself, to maybeUnrecoverable.
	MarkErrorAsUnrecoverableForErrorCode(ctx context.Context, errorCode string) error

	// TransitionLinkStatus sets one link's status (used by the MODIFY
	// stream producer path in tests and by operator-driven resolution;
	// production status transitions are written by the Transform/SVL
	// call sites, which are out of scope per spec's Non-goals).
	TransitionLinkStatus(ctx context.Context, executionID, errorCode string, status ErrorStatus) error

	// SetExecutionStatus sets one execution's status directly, without
	// touching its counters. Used by the resolver to mark an execution
	// maybeSolved before driving the restart pipeline.
	SetExecutionStatus(ctx context.Context, executionID string, status ErrorStatus) error
}
