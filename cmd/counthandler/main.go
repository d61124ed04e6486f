// Command counthandler is the Lambda entrypoint that consumes DynamoDB
// Streams REMOVE events for ExecutionErrorLinks and reconciles the
// aggregation store's counters.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/config"
	"github.com/elephant-xyz/errorcore/counthandler"
	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/awsconf"
	"github.com/elephant-xyz/errorcore/platform/tasktoken"
)

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
	tokenSender := tasktoken.NewSender(sfn.NewFromConfig(awsCfg))
	observer, _ := observability.GetObserver("slog")
	handler := counthandler.NewHandler(store, tokenSender, observer)

	lambda.Start(func(ctx context.Context, event events.DynamoDBEvent) error {
		return handler.Handle(ctx, event)
	})
}
