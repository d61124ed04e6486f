// Package eventhandler implements end-to-end handling of one incoming
// workflow event: dispatch by status, upsert into the aggregation store,
// and emit no further side effects of its own (task-token callbacks and
// cascade deletes belong to counthandler and resolver).
package eventhandler

import "encoding/json"

// Status is the lifecycle stage a workflow event reports for its
// execution.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// EventBridgeEnvelope is the outer shape every ingress event arrives in.
type EventBridgeEnvelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detailType"`
	Detail     json.RawMessage `json:"detail"`
}

// WorkflowErrorDetail is one error entry inside a WorkflowEvent (§6.1).
type WorkflowErrorDetail struct {
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

// WorkflowEvent is the decoded `detail` payload of a `detailType:
// "WorkflowEvent"` envelope.
type WorkflowEvent struct {
	ExecutionID     string                `json:"executionId"`
	County          string                `json:"county"`
	Status          Status                `json:"status"`
	Phase           string                `json:"phase"`
	Step            string                `json:"step"`
	TaskToken       *string               `json:"taskToken,omitempty"`
	PreparedS3URI   *string               `json:"preparedS3Uri,omitempty"`
	Errors          []WorkflowErrorDetail `json:"errors,omitempty"`
	DeduplicationID string                `json:"deduplicationId,omitempty"`
}

// ElephantErrorResolved is an optional resolution-event ingress shape
// (§6.2); at least one of ExecutionID/ErrorCode must be set.
type ElephantErrorResolved struct {
	ExecutionID string `json:"executionId,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// ElephantErrorFailedToResolve mirrors ElephantErrorResolved but triggers
// the mark-unrecoverable cascade instead of a delete.
type ElephantErrorFailedToResolve struct {
	ExecutionID string `json:"executionId,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}
