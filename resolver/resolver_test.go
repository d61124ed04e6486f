package resolver_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/platform/dlq"
	"github.com/elephant-xyz/errorcore/platform/metrics"
	"github.com/elephant-xyz/errorcore/platform/workerclient"
	"github.com/elephant-xyz/errorcore/resolver"
)

type fakeLambda struct {
	transformOut []byte
	svlOut       []byte
	err          error
}

func (f *fakeLambda) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if *params.FunctionName == "transform-fn" {
		return &lambda.InvokeOutput{Payload: f.transformOut}, nil
	}
	return &lambda.InvokeOutput{Payload: f.svlOut}, nil
}

type fakeSQS struct {
	sent bool
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs/queue")}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = true
	return &sqs.SendMessageOutput{}, nil
}

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func modifyRecord(executionID, errorCode, oldStatus, newStatus string) events.DynamoDBEventRecord {
	old := map[string]events.DynamoDBAttributeValue{
		"entityType": events.NewStringAttribute("ExecutionError"),
		"status":     events.NewStringAttribute(oldStatus),
	}
	newImage := map[string]events.DynamoDBAttributeValue{
		"entityType":  events.NewStringAttribute("ExecutionError"),
		"status":      events.NewStringAttribute(newStatus),
		"executionId": events.NewStringAttribute(executionID),
		"errorCode":   events.NewStringAttribute(errorCode),
	}
	return events.DynamoDBEventRecord{
		EventName: "MODIFY",
		Change:    events.DynamoDBStreamRecord{OldImage: old, NewImage: newImage},
	}
}

func seedExecution(t *testing.T, store *aggregation.MemStore, executionID string, codes ...string) {
	t.Helper()
	errs := make([]aggregation.WorkflowError, 0, len(codes))
	for _, c := range codes {
		errs = append(errs, aggregation.WorkflowError{Code: c})
	}
	if _, err := store.SaveErrorRecords(context.Background(), aggregation.WorkflowEvent{
		ExecutionID: executionID, County: "orange", Errors: errs,
		Source: &aggregation.S3Pointer{Bucket: "bucket", Key: "key.json"},
	}); err != nil {
		t.Fatalf("seeding execution: %v", err)
	}
}

// Scenario 1 / I4: single-link execution whose link resolves to
// maybeSolved restarts successfully via Transform+SVL.
func TestHandle_AllLinksSolved_RestartsAndEmitsSuccessMetric(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()
	seedExecution(t, store, "e1", "20Orange")

	transformOut, _ := json.Marshal(workerclient.TransformOutput{TransformedOutputS3Uri: "s3://bucket/out.json"})
	svlOut, _ := json.Marshal(workerclient.SVLOutput{ValidationPassed: true})
	workers := workerclient.New(&fakeLambda{transformOut: transformOut, svlOut: svlOut}, "transform-fn", "svl-fn")
	cw := &fakeCloudWatch{}
	h := resolver.NewHandler(store, workers, dlq.NewRouter(&fakeSQS{}), metrics.NewRecorder(cw, "ExecutionRestart"), "prefix", nil)

	if err := store.TransitionLinkStatus(ctx, "e1", "20Orange", aggregation.StatusMaybeSolved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		modifyRecord("e1", "20Orange", "failed", "maybeSolved"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cw.calls) != 1 || *cw.calls[0].MetricData[0].MetricName != metrics.MetricExecutionRestartSuccess {
		t.Fatalf("expected one ExecutionRestartSuccess metric, got %+v", cw.calls)
	}
}

// Scenario 4 / P3: a maybeUnrecoverable link routes the execution to the
// county DLQ instead of restarting.
func TestHandle_UnrecoverableLink_RoutesToDLQ(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()
	seedExecution(t, store, "e2", "99err")

	if err := store.TransitionLinkStatus(ctx, "e2", "99err", aggregation.StatusMaybeUnrecoverable); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sqsFake := &fakeSQS{}
	h := resolver.NewHandler(store, nil, dlq.NewRouter(sqsFake), nil, "prefix", nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		modifyRecord("e2", "99err", "failed", "maybeUnrecoverable"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sqsFake.sent {
		t.Fatalf("expected DLQ message to be sent")
	}
}

// I4: split state (some links solved, one still failed) is a defensive
// no-op, not a restart or DLQ route.
func TestHandle_SplitState_NoAction(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()
	seedExecution(t, store, "e3", "a", "b")

	if err := store.TransitionLinkStatus(ctx, "e3", "a", aggregation.StatusMaybeSolved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// link "b" stays failed -> openErrorCount is still 1, so the decrement
	// on link "a" alone won't reach zero; force count to zero by also
	// decrementing once via the store directly to exercise assessLinks.
	if _, err := store.DecrementOpenErrorCount(ctx, "e3", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sqsFake := &fakeSQS{}
	cw := &fakeCloudWatch{}
	h := resolver.NewHandler(store, nil, dlq.NewRouter(sqsFake), metrics.NewRecorder(cw, "ExecutionRestart"), "prefix", nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		modifyRecord("e3", "a", "failed", "maybeSolved"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sqsFake.sent {
		t.Errorf("expected no DLQ route for a split state")
	}
	if len(cw.calls) != 0 {
		t.Errorf("expected no metric emitted for a split state, got %+v", cw.calls)
	}
}

// Duplicate-restart guard: a redelivered MODIFY event for an execution
// that already restarted earlier in the same batch must not restart again.
func TestHandle_DuplicateRestartGuard_OnlyFiresOnce(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()
	seedExecution(t, store, "e4", "a")

	if err := store.TransitionLinkStatus(ctx, "e4", "a", aggregation.StatusMaybeSolved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transformOut, _ := json.Marshal(workerclient.TransformOutput{TransformedOutputS3Uri: "s3://bucket/out.json"})
	svlOut, _ := json.Marshal(workerclient.SVLOutput{ValidationPassed: true})
	workers := workerclient.New(&fakeLambda{transformOut: transformOut, svlOut: svlOut}, "transform-fn", "svl-fn")
	cw := &fakeCloudWatch{}
	h := resolver.NewHandler(store, workers, dlq.NewRouter(&fakeSQS{}), metrics.NewRecorder(cw, "ExecutionRestart"), "prefix", nil)

	// Both records describe the same redelivered transition for "e4"/"a"
	// within a single batch; the guard must stop the second one from
	// decrementing and restarting a second time.
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		modifyRecord("e4", "a", "failed", "maybeSolved"),
		modifyRecord("e4", "a", "failed", "maybeSolved"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cw.calls) != 1 {
		t.Fatalf("expected exactly one restart metric despite two events, got %d", len(cw.calls))
	}
}

// Worker invocation failure is treated the same as validationPassed==false:
// route to DLQ and emit the failure metric.
func TestHandle_WorkerInvocationFails_RoutesToDLQAndEmitsFailureMetric(t *testing.T) {
	store := aggregation.NewMemStore()
	ctx := context.Background()
	seedExecution(t, store, "e5", "c")

	if err := store.TransitionLinkStatus(ctx, "e5", "c", aggregation.StatusMaybeSolved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	workers := workerclient.New(&fakeLambda{err: errors.New("timeout")}, "transform-fn", "svl-fn")
	sqsFake := &fakeSQS{}
	cw := &fakeCloudWatch{}
	h := resolver.NewHandler(store, workers, dlq.NewRouter(sqsFake), metrics.NewRecorder(cw, "ExecutionRestart"), "prefix", nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		modifyRecord("e5", "c", "failed", "maybeSolved"),
	}}
	if err := h.Handle(ctx, event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sqsFake.sent {
		t.Errorf("expected worker failure to route to DLQ")
	}
	if len(cw.calls) != 1 || *cw.calls[0].MetricData[0].MetricName != metrics.MetricExecutionRestartFailure {
		t.Fatalf("expected one ExecutionRestartFailure metric, got %+v", cw.calls)
	}
}
