package counthandler_test

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/counthandler"
)

func removeRecord(entityType, executionID, errorCode string) events.DynamoDBEventRecord {
	image := map[string]events.DynamoDBAttributeValue{}
	if entityType != "" {
		image["entityType"] = events.NewStringAttribute(entityType)
	}
	if executionID != "" {
		image["executionId"] = events.NewStringAttribute(executionID)
	}
	if errorCode != "" {
		image["errorCode"] = events.NewStringAttribute(errorCode)
	}
	return events.DynamoDBEventRecord{
		EventName: "REMOVE",
		Change:    events.DynamoDBStreamRecord{OldImage: image},
	}
}

// I3/scenario 5: one REMOVE on the execution's only link brings
// openErrorCount to zero and the execution row disappears.
func TestHandle_SingleLinkRemoved_ReachesZero_DeletesExecution(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()

	if _, err := store.SaveErrorRecords(ctx, aggregation.WorkflowEvent{
		ExecutionID: "e1", County: "orange",
		Errors: []aggregation.WorkflowError{{Code: "20Orange"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := counthandler.NewHandler(store, nil, nil)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("ExecutionError", "e1", "20Orange"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, ok, err := store.GetExecution(ctx, "e1")
	if err != nil || ok {
		t.Fatalf("expected execution e1 to be deleted, ok=%v err=%v", ok, err)
	}
}

// Scenario 6/P2: two of three links for an execution are removed;
// openErrorCount decrements but the execution row survives.
func TestHandle_PartialLinksRemoved_ExecutionSurvives(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()

	if _, err := store.SaveErrorRecords(ctx, aggregation.WorkflowEvent{
		ExecutionID: "e1", County: "orange",
		Errors: []aggregation.WorkflowError{{Code: "a"}, {Code: "b"}, {Code: "c"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := counthandler.NewHandler(store, nil, nil)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("ExecutionError", "e1", "a"),
		removeRecord("ExecutionError", "e1", "b"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item, ok, err := store.GetExecution(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("expected execution e1 to survive, ok=%v err=%v", ok, err)
	}
	if item.OpenErrorCount != 1 {
		t.Errorf("expected openErrorCount 1, got %d", item.OpenErrorCount)
	}
}

// §6.3: INSERT/MODIFY records and non-ExecutionError entity types are
// skipped entirely.
func TestHandle_SkipsNonRemoveAndWrongEntityType(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()

	if _, err := store.SaveErrorRecords(ctx, aggregation.WorkflowEvent{
		ExecutionID: "e1", County: "orange",
		Errors: []aggregation.WorkflowError{{Code: "a"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := counthandler.NewHandler(store, nil, nil)

	modify := removeRecord("ExecutionError", "e1", "a")
	modify.EventName = "MODIFY"
	wrongEntity := removeRecord("FailedExecution", "e1", "a")

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{modify, wrongEntity}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item, ok, err := store.GetExecution(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("expected execution e1 untouched, ok=%v err=%v", ok, err)
	}
	if item.OpenErrorCount != 1 {
		t.Errorf("expected openErrorCount unchanged at 1, got %d", item.OpenErrorCount)
	}
}

func TestHandle_EmptyBatch_IsNoop(t *testing.T) {
	store := aggregation.NewMemStore()
	h := counthandler.NewHandler(store, nil, nil)
	if err := h.Handle(context.Background(), events.DynamoDBEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// I5: an execution that still has open links after a partial removal gets
// its GSI sort key rewritten to the surviving count.
func TestHandle_RemainingExecution_GsiSortKeyReflectsNewCount(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()

	if _, err := store.SaveErrorRecords(ctx, aggregation.WorkflowEvent{
		ExecutionID: "e1", County: "orange",
		Errors: []aggregation.WorkflowError{{Code: "a"}, {Code: "b"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := counthandler.NewHandler(store, nil, nil)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("ExecutionError", "e1", "a"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, ok := store.GsiSortKeyForExecution("e1")
	if !ok {
		t.Fatalf("expected a gsi sort key to be recorded")
	}
	if want := "COUNT#FAILED#0000000001#EXEC#e1"; key != want {
		t.Errorf("gsi sort key = %q, want %q", key, want)
	}
}
