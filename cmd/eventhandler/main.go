// Command eventhandler is the Lambda entrypoint that ingests workflow
// events, resolution events, and operator cascade requests from
// EventBridge and upserts them into the error-accounting aggregation
// store.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/elephant-xyz/errorcore/aggregation"
	"github.com/elephant-xyz/errorcore/config"
	"github.com/elephant-xyz/errorcore/eventhandler"
	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/awsconf"
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
	observer, _ := observability.GetObserver("slog")
	handler := eventhandler.NewHandler(store, observer)

	lambda.Start(func(ctx context.Context, raw json.RawMessage) error {
		return handler.HandleEnvelope(ctx, raw)
	})
}
