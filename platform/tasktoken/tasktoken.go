// Package tasktoken sends the Step Functions task-success callback that
// unblocks a paused workflow step once an execution's openErrorCount
// reaches zero. Callbacks are best-effort: a send failure is logged by
// the caller and never aborts the surrounding batch (§5 partial-failure
// semantics).
package tasktoken

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// API is the subset of the Step Functions client this package needs.
type API interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// Sender issues task-success callbacks.
type Sender struct {
	client API
}

func NewSender(client API) *Sender {
	return &Sender{client: client}
}

// SendSuccess replies to the paused workflow step with an empty output,
// per §6.5: the task token is opaque and the resumed step reads its own
// state from the aggregation store rather than the callback payload.
func (s *Sender) SendSuccess(ctx context.Context, taskToken string) error {
	_, err := s.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String("{}"),
	})
	if err != nil {
		return fmt.Errorf("sending task success: %w", err)
	}
	return nil
}
