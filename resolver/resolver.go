// Package resolver drives the auto-repair loop when ExecutionErrorLinks
// transition out of the failed status: decrement the execution's open
// count, assess its remaining links, and either route to the county DLQ,
// restart the execution through the Transform/SVL workers, or log a
// defensive warning for a split state that matches neither case.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/batch"
	"github.com/elephant-xyz/errorcore/platform/dlq"
	"github.com/elephant-xyz/errorcore/platform/metrics"
	"github.com/elephant-xyz/errorcore/platform/workerclient"
)

// Handler implements the per-execution restart state machine from one
// batch of MODIFY stream records.
type Handler struct {
	store        aggregation.Store
	workers      *workerclient.Client
	dlqRouter    *dlq.Router
	metrics      *metrics.Recorder
	outputPrefix string
	observer     observability.Observer
}

func NewHandler(store aggregation.Store, workers *workerclient.Client, dlqRouter *dlq.Router, metricsRecorder *metrics.Recorder, outputPrefix string, observer observability.Observer) *Handler {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Handler{
		store:        store,
		workers:      workers,
		dlqRouter:    dlqRouter,
		metrics:      metricsRecorder,
		outputPrefix: outputPrefix,
		observer:     observer,
	}
}

// transitioned is one MODIFY record reduced to the fields the state
// machine needs.
type transitioned struct {
	executionID string
	errorCode   string
}

// Handle implements spec.md §4.4 over one batch of stream records. Only
// MODIFY records where OldImage.status == "failed" and NewImage.status is
// maybeSolved or maybeUnrecoverable are considered (§6.3). The
// restartedExecutions guard is scoped to this one invocation: once a
// restart or DLQ routing has fired for an execution, later events for the
// same execution in this batch are skipped.
func (h *Handler) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	restartedExecutions := make(map[string]struct{})

	for _, rec := range event.Records {
		t, ok := h.filterRecord(ctx, rec)
		if !ok {
			continue
		}
		if _, done := restartedExecutions[t.executionID]; done {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventDuplicateRestartHit, Level: observability.LevelVerbose,
				Timestamp: time.Now(), Source: "resolver.Handle",
				Data: map[string]any{"executionId": t.executionID},
			})
			continue
		}

		if h.processExecution(ctx, t.executionID) {
			restartedExecutions[t.executionID] = struct{}{}
		}
	}

	return nil
}

func (h *Handler) filterRecord(ctx context.Context, rec events.DynamoDBEventRecord) (transitioned, bool) {
	if rec.EventName != "MODIFY" {
		return transitioned{}, false
	}
	old := rec.Change.OldImage
	if stringAttr(old, "entityType") != "ExecutionError" || stringAttr(old, "status") != string(aggregation.StatusFailed) {
		return transitioned{}, false
	}

	newImage := rec.Change.NewImage
	newStatus := aggregation.ErrorStatus(stringAttr(newImage, "status"))
	if newStatus != aggregation.StatusMaybeSolved && newStatus != aggregation.StatusMaybeUnrecoverable {
		return transitioned{}, false
	}

	executionID := stringAttr(newImage, "executionId")
	errorCode := stringAttr(newImage, "errorCode")
	if executionID == "" || errorCode == "" {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "resolver.filterRecord",
			Data: map[string]any{"reason": "missing executionId or errorCode"},
		})
		return transitioned{}, false
	}
	return transitioned{executionID: executionID, errorCode: errorCode}, true
}

// processExecution runs decrementOpenErrorCount -> assessLinks for one
// execution and returns whether a restart or DLQ routing fired (the
// signal that should set the duplicate-restart guard).
func (h *Handler) processExecution(ctx context.Context, executionID string) bool {
	newCount, err := h.decrementAndReadCount(ctx, executionID)
	if err != nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.processExecution",
			Data: map[string]any{"executionId": executionID, "error": err.Error()},
		})
		return false
	}
	if newCount > 0 {
		return false
	}
	if newCount < 0 {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.processExecution",
			Data: map[string]any{"executionId": executionID, "openErrorCount": newCount, "reason": "negative count, logged not blocked"},
		})
	}

	return h.assessLinks(ctx, executionID)
}

// decrementAndReadCount applies the conditional decrement (§4.4 decrement
// semantics). On a failed precondition it re-reads the row and proceeds
// with the current count rather than treating that as an error.
func (h *Handler) decrementAndReadCount(ctx context.Context, executionID string) (int64, error) {
	res, err := h.store.DecrementOpenErrorCount(ctx, executionID, 1)
	if err != nil {
		return 0, err
	}
	if res.Found {
		return res.NewCount, nil
	}

	item, ok, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Already cascaded away by the count handler; nothing further to do.
		return 0, nil
	}
	return item.OpenErrorCount, nil
}

// assessLinks implements the branch of §4.4's state machine after the
// count has reached zero: any maybeUnrecoverable link routes to the DLQ,
// all-solved links restart the execution, and a mixed remainder is a
// defensive no-op.
func (h *Handler) assessLinks(ctx context.Context, executionID string) bool {
	links, err := h.store.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.assessLinks",
			Data: map[string]any{"executionId": executionID, "error": err.Error()},
		})
		return false
	}

	hasUnrecoverable := false
	allSolved := true
	for _, l := range links {
		if l.Status == aggregation.StatusMaybeUnrecoverable {
			hasUnrecoverable = true
		}
		if l.Status != aggregation.StatusMaybeSolved && l.Status != aggregation.StatusSolved {
			allSolved = false
		}
	}

	switch {
	case hasUnrecoverable:
		h.routeToDLQ(ctx, executionID, "")
		return true
	case allSolved:
		h.restart(ctx, executionID)
		return true
	default:
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventSplitStateDetected, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "resolver.assessLinks",
			Data: map[string]any{"executionId": executionID},
		})
		return false
	}
}

// restart implements the maybeSolved branch: set execution status, invoke
// Transform then SVL, and route success/failure to a metric (and the DLQ
// on failure).
func (h *Handler) restart(ctx context.Context, executionID string) {
	item, ok, err := h.store.GetExecution(ctx, executionID)
	if err != nil || !ok {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.restart",
			Data: map[string]any{"executionId": executionID, "found": ok},
		})
		return
	}

	if err := h.store.SetExecutionStatus(ctx, executionID, aggregation.StatusMaybeSolved); err != nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "resolver.restart",
			Data: map[string]any{"executionId": executionID, "error": err.Error()},
		})
	}

	validationPassed, err := h.invokeWorkers(ctx, item)
	if err != nil || !validationPassed {
		if err != nil {
			h.observer.OnEvent(ctx, observability.Event{
				Type: observability.EventExecutionDLQRouted, Level: observability.LevelWarning,
				Timestamp: time.Now(), Source: "resolver.restart",
				Data: map[string]any{"executionId": executionID, "error": err.Error()},
			})
		}
		h.routeToDLQ(ctx, executionID, item.County)
		h.recordMetric(ctx, item.County, false, "worker_invocation_failed")
		return
	}

	h.observer.OnEvent(ctx, observability.Event{
		Type: observability.EventExecutionRestarted, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "resolver.restart",
		Data: map[string]any{"executionId": executionID},
	})
	h.recordMetric(ctx, item.County, true, "")
}

// workerStep names one stage of the restart pipeline's Transform->SVL
// fold driven through batch.ProcessChain.
type workerStep int

const (
	stepTransform workerStep = iota
	stepSVL
)

// workerChainState is the accumulated state ProcessChain folds through
// the Transform then SVL steps: it starts with the input URI and the
// execution's identifying fields, and gains transformedOutputS3Uri then
// validationPassed as each step completes.
type workerChainState struct {
	county                 string
	outputPrefix           string
	executionID            string
	inputS3Uri             string
	transformedOutputS3Uri string
	validationPassed       bool
}

// invokeWorkers runs the Transform then SVL contract from §4.4 as a
// two-step batch.ProcessChain fold, so the restart pipeline gets the same
// start/step/complete observability events every other chained pipeline
// in this core emits. A worker deadline exceeded or any invocation error
// is treated equivalently to validationPassed==false.
//
// Transform's input is the Prepare stage's output (PreparedS3URI) when
// the execution has one, since Prepare already ran upstream of the
// failure point this restart is replaying from; execution rows that
// failed before Prepare completed fall back to the original ingested
// source.
func (h *Handler) invokeWorkers(ctx context.Context, item aggregation.FailedExecutionItem) (bool, error) {
	if h.workers == nil {
		return false, fmt.Errorf("resolver: no worker client configured")
	}

	var inputURI string
	switch {
	case item.PreparedS3URI != nil && *item.PreparedS3URI != "":
		inputURI = *item.PreparedS3URI
	case item.Source != nil:
		inputURI = fmt.Sprintf("s3://%s/%s", item.Source.Bucket, item.Source.Key)
	default:
		return false, fmt.Errorf("resolver: execution %s has neither preparedS3Uri nor source", item.ExecutionID)
	}

	initial := workerChainState{
		county:       item.County,
		outputPrefix: h.outputPrefix,
		executionID:  item.ExecutionID,
		inputS3Uri:   inputURI,
	}

	result, err := batch.ProcessChain(ctx, batch.DefaultChainConfig(), []workerStep{stepTransform, stepSVL}, initial, h.runWorkerStep, nil)
	if err != nil {
		return false, err
	}
	return result.Final.validationPassed, nil
}

// runWorkerStep is the batch.StepProcessor driving one stage of the
// restart pipeline.
func (h *Handler) runWorkerStep(ctx context.Context, step workerStep, state workerChainState) (workerChainState, error) {
	switch step {
	case stepTransform:
		out, err := h.workers.Transform(ctx, workerclient.TransformInput{
			InputS3Uri:   state.inputS3Uri,
			County:       state.county,
			OutputPrefix: state.outputPrefix,
			ExecutionID:  state.executionID,
		})
		if err != nil {
			return state, err
		}
		state.transformedOutputS3Uri = out.TransformedOutputS3Uri
		return state, nil

	case stepSVL:
		out, err := h.workers.SVL(ctx, workerclient.SVLInput{
			TransformedOutputS3Uri: state.transformedOutputS3Uri,
			County:                 state.county,
			OutputPrefix:           state.outputPrefix,
			ExecutionID:            state.executionID,
		})
		if err != nil {
			return state, err
		}
		state.validationPassed = out.ValidationPassed
		return state, nil

	default:
		return state, fmt.Errorf("resolver: unknown worker step %d", step)
	}
}

// routeToDLQ publishes the execution's original S3 source pointer to its
// county's dead-letter queue (§4.4 DLQ routing). county is re-read from
// the store when the caller does not already have it.
func (h *Handler) routeToDLQ(ctx context.Context, executionID, county string) {
	if h.dlqRouter == nil {
		return
	}

	item, ok, err := h.store.GetExecution(ctx, executionID)
	if err != nil || !ok {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.routeToDLQ",
			Data: map[string]any{"executionId": executionID, "found": ok},
		})
		return
	}
	if county == "" {
		county = item.County
	}
	if item.Source == nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.routeToDLQ",
			Data: map[string]any{"executionId": executionID, "reason": "missing source s3 pointer"},
		})
		return
	}

	if err := h.dlqRouter.Route(ctx, county, item.Source.Bucket, item.Source.Key); err != nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionDLQRouted, Level: observability.LevelError,
			Timestamp: time.Now(), Source: "resolver.routeToDLQ",
			Data: map[string]any{"executionId": executionID, "error": err.Error()},
		})
		return
	}
	h.observer.OnEvent(ctx, observability.Event{
		Type: observability.EventExecutionDLQRouted, Level: observability.LevelInfo,
		Timestamp: time.Now(), Source: "resolver.routeToDLQ",
		Data: map[string]any{"executionId": executionID, "county": county},
	})
}

func (h *Handler) recordMetric(ctx context.Context, county string, success bool, failureReason string) {
	if h.metrics == nil {
		return
	}
	var err error
	if success {
		err = h.metrics.RestartSucceeded(ctx, county)
	} else {
		err = h.metrics.RestartFailed(ctx, county, failureReason)
	}
	if err != nil {
		h.observer.OnEvent(ctx, observability.Event{
			Type: observability.EventExecutionSkipped, Level: observability.LevelWarning,
			Timestamp: time.Now(), Source: "resolver.recordMetric",
			Data: map[string]any{"county": county, "error": err.Error()},
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
