// Command errorresolver is the Lambda entrypoint that consumes DynamoDB
// Streams MODIFY events for ExecutionErrorLinks and drives the auto-repair
// restart/DLQ state machine, plus the operator-facing
// ElephantErrorResolved/ElephantErrorFailedToResolve cascade requests
// (§6.9) dispatched through the same entrypoint.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	lambdasdk "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/config"
	"github.com/elephant-xyz/errorcore/eventhandler"
	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/awsconf"
	"github.com/elephant-xyz/errorcore/platform/dlq"
	"github.com/elephant-xyz/errorcore/platform/metrics"
	"github.com/elephant-xyz/errorcore/platform/workerclient"
	"github.com/elephant-xyz/errorcore/resolver"
)

// envelopeOrStreamEvent discriminates between the two shapes this
// entrypoint accepts: a raw DynamoDB Streams batch (has "Records") or an
// EventBridge envelope carrying an operator cascade request.
type envelopeOrStreamEvent struct {
	Records []json.RawMessage `json:"Records"`
	Source  string            `json:"source"`
}

func main() {
	ctx := context.Background()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconf.Load(ctx)
	if err != nil {
		slog.Error("loading aws config", "error", err)
		os.Exit(1)
	}

	store := aggregation.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.WorkflowErrorsTableName)
	workers := workerclient.New(lambdasdk.NewFromConfig(awsCfg), cfg.TransformWorkerFunctionName, cfg.SVLWorkerFunctionName)
	dlqRouter := dlq.NewRouter(sqs.NewFromConfig(awsCfg))
	metricsRecorder := metrics.NewRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.CloudWatchMetricNamespace)
	observer, _ := observability.GetObserver("slog")

	restarter := resolver.NewHandler(store, workers, dlqRouter, metricsRecorder, cfg.OutputS3Prefix, observer)
	cascadeHandler := eventhandler.NewHandler(store, observer)

	lambda.Start(func(ctx context.Context, raw json.RawMessage) error {
		var probe envelopeOrStreamEvent
		if err := json.Unmarshal(raw, &probe); err != nil {
			return err
		}
		if len(probe.Records) > 0 {
			var streamEvent events.DynamoDBEvent
			if err := json.Unmarshal(raw, &streamEvent); err != nil {
				return err
			}
			return restarter.Handle(ctx, streamEvent)
		}
		return cascadeHandler.HandleEnvelope(ctx, raw)
	})
}
