// Package metrics emits CloudWatch metrics under the ExecutionRestart
// namespace: one data point per resolver outcome, dimensioned by county
// and, on failure, by a coarse failure reason.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const DefaultNamespace = "ExecutionRestart"

const (
	MetricExecutionRestartSuccess = "ExecutionRestartSuccess"
	MetricExecutionRestartFailure = "ExecutionRestartFailure"
)

// API is the subset of the CloudWatch client metrics emission needs,
// narrowed so tests can supply a fake.
type API interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder emits ExecutionRestart metrics for one configured namespace.
type Recorder struct {
	client    API
	namespace string
}

func NewRecorder(client API, namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Recorder{client: client, namespace: namespace}
}

// RestartSucceeded records one ExecutionRestartSuccess data point
// dimensioned by county.
func (r *Recorder) RestartSucceeded(ctx context.Context, county string) error {
	return r.put(ctx, MetricExecutionRestartSuccess, county, "")
}

// RestartFailed records one ExecutionRestartFailure data point dimensioned
// by county and failureReason.
func (r *Recorder) RestartFailed(ctx context.Context, county, failureReason string) error {
	return r.put(ctx, MetricExecutionRestartFailure, county, failureReason)
}

func (r *Recorder) put(ctx context.Context, metricName, county, failureReason string) error {
	dims := []types.Dimension{
		{Name: aws.String("County"), Value: aws.String(county)},
	}
	if failureReason != "" {
		dims = append(dims, types.Dimension{Name: aws.String("FailureReason"), Value: aws.String(failureReason)})
	}

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(metricName),
				Value:      aws.Float64(1),
				Unit:       types.StandardUnitCount,
				Timestamp:  aws.Time(time.Now()),
				Dimensions: dims,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("putting metric %s: %w", metricName, err)
	}
	return nil
}
