// Package awsconf loads the shared aws.Config every platform client and
// the aggregation repository build their service clients from, so region
// and credential resolution happen exactly once per Lambda cold start.
package awsconf

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Load resolves an aws.Config from the Lambda execution environment
// (region, credentials via the default provider chain).
func Load(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return cfg, nil
}
