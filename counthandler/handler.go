// Package counthandler reconciles the aggregation store's counters when
// ExecutionErrorLinks are removed, either by the resolver solving an error
// or by an operator-driven cascade delete. It consumes DynamoDB Streams
// REMOVE events and implements the seven-step algorithm: pre-filter and
// group, batch-decrement both counters in parallel, categorize reached-zero
// vs remaining, refresh GSI keys for the survivors, and clean up the rows
// that hit zero.
package counthandler

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/tasktoken"
)

// Handler reconciles execution and error-record counters from REMOVE
// stream events and fires the task-success callback once an execution's
// open count hits zero.
type Handler struct {
	store       aggregation.Store
	tokenSender *tasktoken.Sender
	observer    observability.Observer
}

func NewHandler(store aggregation.Store, tokenSender *tasktoken.Sender, observer observability.Observer) *Handler {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Handler{store: store, tokenSender: tokenSender, observer: observer}
}

// removedLink is one REMOVE record's OldImage, reduced to the fields this
// handler needs.
type removedLink struct {
	executionID string
	errorCode   string
}

// Handle implements spec.md §4.3 steps 1-7 over one batch of stream
// records. Only REMOVE records with entityType == ExecutionError are
// considered; everything else is skipped per §6.3.
func (h *Handler) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	links := h.preFilter(ctx, event.Records)
	if len(links) == 0 {
		return nil
	}

	execDecrements := groupByExecution(links)
	codeDecrements := groupByErrorCode(links)

	execResults, err := h.store.BatchDecrementOpenErrorCounts(ctx, execDecrements)
	if err != nil && len(execResults) == 0 {
		return err
	}
	codeResults, err := h.store.BatchDecrementErrorRecordCounts(ctx, codeDecrements)
	if err != nil && len(codeResults) == 0 {
		return err
	}

	execZero, execRemaining := categorizeExecutions(execResults)
	codeZero, codeRemaining := categorizeErrorCodes(codeResults)

	if len(execRemaining) > 0 {
		if err := h.store.BatchUpdateExecutionGsiKeys(ctx, buildGsiUpdates(execRemaining)); err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventGsiRefreshed, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.Handle",
				Data: map[string]any{"error": err.Error(), "count": len(execRemaining)},
			})
		}
	}
	if len(codeRemaining) > 0 {
		if err := h.store.BatchUpdateErrorRecordGsiKeys(ctx, buildErrorCodeGsiUpdates(codeRemaining)); err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventGsiRefreshed, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.Handle",
				Data: map[string]any{"error": err.Error(), "count": len(codeRemaining)},
			})
		}
	}

	if len(execZero) > 0 {
		h.sendTaskSuccessCallbacks(ctx, execResults)

		ids := make([]string, 0, len(execZero))
		for _, r := range execZero {
			ids = append(ids, r.ExecutionID)
		}
		if err := h.store.BatchDeleteFailedExecutionItems(ctx, ids); err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventBatchDeleteCompleted, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.Handle",
				Data: map[string]any{"error": err.Error(), "kind": "execution", "count": len(ids)},
			})
		}
	}

	if len(codeZero) > 0 {
		codes := make([]string, 0, len(codeZero))
		for _, r := range codeZero {
			codes = append(codes, r.ErrorCode)
		}
		if err := h.store.BatchDeleteErrorRecords(ctx, codes); err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventBatchDeleteCompleted, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.Handle",
				Data: map[string]any{"error": err.Error(), "kind": "errorRecord", "count": len(codes)},
			})
		}
	}

	return nil
}

// preFilter extracts executionId/errorCode from each REMOVE OldImage whose
// entityType is ExecutionError, skipping everything else.
func (h *Handler) preFilter(ctx context.Context, records []events.DynamoDBEventRecord) []removedLink {
	out := make([]removedLink, 0, len(records))
	for _, rec := range records {
		if rec.EventName != "REMOVE" {
			continue
		}
		old := rec.Change.OldImage
		if stringAttr(old, "entityType") != "ExecutionError" {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventStreamRecordSkipped, Level: observability.LevelVerbose,
				Timestamp: time.Now(), Source: "counthandler.preFilter",
				Data: map[string]any{"eventName": rec.EventName},
			})
			continue
		}

		executionID := stringAttr(old, "executionId")
		errorCode := stringAttr(old, "errorCode")
		if executionID == "" || errorCode == "" {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventStreamRecordSkipped, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.preFilter",
				Data: map[string]any{"reason": "missing executionId or errorCode"},
			})
			continue
		}

		out = append(out, removedLink{executionID: executionID, errorCode: errorCode})
	}
	return out
}

func groupByExecution(links []removedLink) []aggregation.DecrementInput {
	amounts := make(map[string]int64, len(links))
	order := make([]string, 0, len(links))
	for _, l := range links {
		if _, seen := amounts[l.executionID]; !seen {
			order = append(order, l.executionID)
		}
		amounts[l.executionID]++
	}
	inputs := make([]aggregation.DecrementInput, 0, len(order))
	for _, id := range order {
		inputs = append(inputs, aggregation.DecrementInput{ID: id, By: amounts[id]})
	}
	return inputs
}

func groupByErrorCode(links []removedLink) []aggregation.DecrementInput {
	amounts := make(map[string]int64, len(links))
	order := make([]string, 0, len(links))
	for _, l := range links {
		if _, seen := amounts[l.errorCode]; !seen {
			order = append(order, l.errorCode)
		}
		amounts[l.errorCode]++
	}
	inputs := make([]aggregation.DecrementInput, 0, len(order))
	for _, code := range order {
		inputs = append(inputs, aggregation.DecrementInput{ID: code, By: amounts[code]})
	}
	return inputs
}

func categorizeExecutions(results []aggregation.DecrementResult) (zero, remaining []aggregation.DecrementResult) {
	for _, r := range results {
		if !r.Found {
			continue
		}
		if r.NewCount == 0 {
			zero = append(zero, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	return zero, remaining
}

func categorizeErrorCodes(results []aggregation.ErrorCodeDecrementResult) (zero, remaining []aggregation.ErrorCodeDecrementResult) {
	for _, r := range results {
		if !r.Found {
			continue
		}
		if r.NewCount == 0 {
			zero = append(zero, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	return zero, remaining
}

// sendTaskSuccessCallbacks fires the Step Functions callback for every
// zero-reaching execution that carried a task token. Failures here are
// logged and never abort the batch (§4.3 failure semantics).
func (h *Handler) sendTaskSuccessCallbacks(ctx context.Context, results []aggregation.DecrementResult) {
	if h.tokenSender == nil {
		return
	}
	for _, r := range results {
		if !r.Found || r.NewCount != 0 || r.TaskToken == nil || *r.TaskToken == "" {
			continue
		}
		if err := h.tokenSender.SendSuccess(ctx, *r.TaskToken); err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventTaskTokenSendFailed, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "counthandler.sendTaskSuccessCallbacks",
				Data: map[string]any{"executionId": r.ExecutionID, "error": err.Error()},
			})
			continue
		}
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventTaskTokenSent, Level: observability.LevelInfo,
			Timestamp: time.Now(), Source: "counthandler.sendTaskSuccessCallbacks",
			Data: map[string]any{"executionId": r.ExecutionID},
		})
	}
}

func stringAttr(m map[string]events.DynamoDBAttributeValue, key string) string {
	av, ok := m[key]
	if !ok || av.DataType() != events.DataTypeString {
		return ""
	}
	return av.String()
}

func buildGsiUpdates(results []aggregation.DecrementResult) []aggregation.GsiUpdate {
	updates := make([]aggregation.GsiUpdate, 0, len(results))
	for _, r := range results {
		updates = append(updates, aggregation.GsiUpdate{
			ID:        r.ExecutionID,
			NewCount:  r.NewCount,
			ErrorType: r.ErrorType,
			Status:    aggregation.StatusFailed,
		})
	}
	return updates
}

func buildErrorCodeGsiUpdates(results []aggregation.ErrorCodeDecrementResult) []aggregation.GsiUpdate {
	updates := make([]aggregation.GsiUpdate, 0, len(results))
	for _, r := range results {
		updates = append(updates, aggregation.GsiUpdate{
			ID:        r.ErrorCode,
			NewCount:  r.NewCount,
			ErrorType: r.ErrorType,
			Status:    aggregation.StatusFailed,
		})
	}
	return updates
}
