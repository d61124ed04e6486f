// Package dlq looks up a county's dead-letter queue by its naming
// convention and publishes the original S3 source pointer for an
// unrecoverable or validation-failed execution so an operator or
// scheduled replay can retry upstream of Prepare.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ErrDLQSendFailed wraps any failure publishing to the county DLQ once the
// queue itself was resolved.
var ErrDLQSendFailed = errors.New("dlq send failed")

// ErrSourceMissing is returned when the execution carries no S3 source
// pointer to replay — per §7, this must propagate rather than silently
// drop the routing attempt.
var ErrSourceMissing = errors.New("execution source s3 pointer missing")

// API is the subset of the SQS client this package needs.
type API interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Router publishes replay messages to per-county dead-letter queues.
type Router struct {
	client API
}

func NewRouter(client API) *Router {
	return &Router{client: client}
}

// QueueName returns the queue naming convention for a county:
// elephant-workflow-queue-<county-lowercase>-dlq.
func QueueName(county string) string {
	return "elephant-workflow-queue-" + strings.ToLower(county) + "-dlq"
}

type s3Message struct {
	S3 s3Pointer `json:"s3"`
}

type s3Pointer struct {
	Bucket s3Bucket `json:"bucket"`
	Object s3Object `json:"object"`
}

type s3Bucket struct {
	Name string `json:"name"`
}

type s3Object struct {
	Key string `json:"key"`
}

// Route looks up the named county queue and publishes the execution's S3
// source pointer as the message body:
// {s3:{bucket:{name}, object:{key}}}.
func (r *Router) Route(ctx context.Context, county, bucket, key string) error {
	if bucket == "" || key == "" {
		return ErrSourceMissing
	}

	queueName := QueueName(county)
	urlOut, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return fmt.Errorf("%w: resolving queue %s: %v", ErrDLQSendFailed, queueName, err)
	}

	body, err := json.Marshal(s3Message{
		S3: s3Pointer{
			Bucket: s3Bucket{Name: bucket},
			Object: s3Object{Key: key},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: encoding message body: %v", ErrDLQSendFailed, err)
	}

	if _, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    urlOut.QueueUrl,
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("%w: sending to %s: %v", ErrDLQSendFailed, queueName, err)
	}

	return nil
}
