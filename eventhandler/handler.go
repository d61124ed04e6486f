package eventhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/observability"
)

// Handler dispatches one decoded WorkflowEvent to the aggregation store
// per the SCHEDULED/IN_PROGRESS/SUCCEEDED/FAILED state machine (§4.2).
type Handler struct {
	store    aggregation.Store
	observer observability.Observer
}

func NewHandler(store aggregation.Store, observer observability.Observer) *Handler {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Handler{store: store, observer: observer}
}

// HandleEnvelope decodes the EventBridge envelope and dispatches based on
// detailType. Resolution events (§6.2, §6.9) route to cascade operations;
// WorkflowEvent routes through Handle.
func (h *Handler) HandleEnvelope(ctx context.Context, raw []byte) error {
	var envelope EventBridgeEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decoding envelope: %v", ErrMalformedEvent, err)
	}

	switch envelope.DetailType {
	case "WorkflowEvent":
		var event WorkflowEvent
		if err := json.Unmarshal(envelope.Detail, &event); err != nil {
			return fmt.Errorf("%w: decoding WorkflowEvent detail: %v", ErrMalformedEvent, err)
		}
		return h.Handle(ctx, event)

	case "ElephantErrorResolved":
		var res ElephantErrorResolved
		if err := json.Unmarshal(envelope.Detail, &res); err != nil {
			return fmt.Errorf("%w: decoding ElephantErrorResolved detail: %v", ErrMalformedEvent, err)
		}
		return h.handleResolved(ctx, res)

	case "ElephantErrorFailedToResolve":
		var res ElephantErrorFailedToResolve
		if err := json.Unmarshal(envelope.Detail, &res); err != nil {
			return fmt.Errorf("%w: decoding ElephantErrorFailedToResolve detail: %v", ErrMalformedEvent, err)
		}
		return h.handleFailedToResolve(ctx, res)

	default:
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventWorkflowEventSkipped, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "eventhandler.HandleEnvelope",
			Data: map[string]any{"detailType": envelope.DetailType, "reason": "unrecognized detailType"},
		})
		return fmt.Errorf("%w: unrecognized detailType %q", ErrMalformedEvent, envelope.DetailType)
	}
}

// Handle implements the per-status dispatch table (§4.2). Error
// aggregation on SUCCEEDED is intentional: intermediate steps may report
// warnings carried as errors while the step itself succeeds.
func (h *Handler) Handle(ctx context.Context, event WorkflowEvent) error {
	if event.ExecutionID == "" {
		return fmt.Errorf("%w: missing executionId", ErrMalformedEvent)
	}

	switch event.Status {
	case StatusScheduled:
		return h.store.UpdateExecutionMetadata(ctx, toStoreEvent(event, nil))

	case StatusInProgress:
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventWorkflowEventSkipped, Level: observability.LevelVerbose,
			Timestamp: time.Now(), Source: "eventhandler.Handle",
			Data: map[string]any{"executionId": event.ExecutionID, "status": string(event.Status)},
		})
		return nil

	case StatusSucceeded:
		if len(event.Errors) == 0 {
			return h.store.UpdateExecutionMetadata(ctx, toStoreEvent(event, nil))
		}
		return h.saveErrors(ctx, event)

	case StatusFailed:
		return h.saveErrors(ctx, event)

	default:
		return fmt.Errorf("%w: unrecognized status %q", ErrMalformedEvent, event.Status)
	}
}

func (h *Handler) saveErrors(ctx context.Context, event WorkflowEvent) error {
	storeEvent := toStoreEvent(event, event.Errors)
	result, err := h.store.SaveErrorRecords(ctx, storeEvent)
	if err != nil {
		return fmt.Errorf("saving error records for %s: %w", event.ExecutionID, err)
	}

	h.observer.OnEvent(ctx, observability.Event{
		Type: observability.EventRecordUpserted, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "eventhandler.Handle",
		Data: map[string]any{
			"executionId":      event.ExecutionID,
			"status":           string(event.Status),
			"uniqueErrorCount": result.UniqueErrorCount,
			"totalOccurrences": result.TotalOccurrences,
			"errorCodes":       result.ErrorCodes,
		},
	})
	return nil
}

func (h *Handler) handleResolved(ctx context.Context, res ElephantErrorResolved) error {
	if res.ExecutionID == "" && res.ErrorCode == "" {
		return fmt.Errorf("%w: ElephantErrorResolved requires executionId or errorCode", ErrMalformedEvent)
	}
	if res.ExecutionID != "" {
		return h.store.DeleteErrorsForExecution(ctx, res.ExecutionID)
	}
	return h.store.DeleteErrorFromAllExecutions(ctx, res.ErrorCode)
}

func (h *Handler) handleFailedToResolve(ctx context.Context, res ElephantErrorFailedToResolve) error {
	if res.ExecutionID == "" && res.ErrorCode == "" {
		return fmt.Errorf("%w: ElephantErrorFailedToResolve requires executionId or errorCode", ErrMalformedEvent)
	}
	if res.ExecutionID != "" {
		return h.store.MarkErrorAsUnrecoverableForExecution(ctx, res.ExecutionID)
	}
	return h.store.MarkErrorAsUnrecoverableForErrorCode(ctx, res.ErrorCode)
}

func toStoreEvent(event WorkflowEvent, errs []WorkflowErrorDetail) aggregation.WorkflowEvent {
	out := aggregation.WorkflowEvent{
		ExecutionID:     event.ExecutionID,
		County:          event.County,
		TaskToken:       event.TaskToken,
		PreparedS3URI:   event.PreparedS3URI,
		DeduplicationID: event.DeduplicationID,
	}
	for _, e := range errs {
		out.Errors = append(out.Errors, aggregation.WorkflowError{Code: e.Code, Details: e.Details})
	}
	return out
}
