// Package workerclient is a thin synchronous wrapper over lambda.Client
// for the Transform and SVL worker invocation contracts the resolver's
// restart pipeline drives directly (RequestResponse, the caller's ambient
// deadline as the context deadline — §5 cancellation semantics).
package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// ErrInvocationFailed wraps any invocation error — a Lambda-level fault,
// a function-level error, or a deadline exceeded on the caller's context.
// Per §4.4 it is always treated equivalently to validationPassed==false.
var ErrInvocationFailed = errors.New("worker invocation failed")

// API is the subset of the Lambda client this package needs.
type API interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Client invokes the Transform and SVL workers synchronously.
type Client struct {
	api               API
	transformFunction string
	svlFunction       string
}

func New(api API, transformFunction, svlFunction string) *Client {
	return &Client{api: api, transformFunction: transformFunction, svlFunction: svlFunction}
}

// TransformInput is the request contract for the Transform worker.
type TransformInput struct {
	InputS3Uri       string `json:"inputS3Uri"`
	County           string `json:"county"`
	OutputPrefix     string `json:"outputPrefix"`
	ExecutionID      string `json:"executionId"`
	DirectInvocation bool   `json:"directInvocation"`
}

// TransformOutput is the response contract from the Transform worker.
type TransformOutput struct {
	TransformedOutputS3Uri string `json:"transformedOutputS3Uri"`
}

// SVLInput is the request contract for the SVL worker.
type SVLInput struct {
	TransformedOutputS3Uri string `json:"transformedOutputS3Uri"`
	County                 string `json:"county"`
	OutputPrefix           string `json:"outputPrefix"`
	ExecutionID            string `json:"executionId"`
	DirectInvocation       bool   `json:"directInvocation"`
}

// SVLOutput is the response contract from the SVL worker.
type SVLOutput struct {
	ValidationPassed bool `json:"validationPassed"`
}

// Transform invokes the Transform worker with directInvocation=true and
// decodes its output.
func (c *Client) Transform(ctx context.Context, in TransformInput) (TransformOutput, error) {
	in.DirectInvocation = true
	var out TransformOutput
	if err := c.invoke(ctx, c.transformFunction, in, &out); err != nil {
		return TransformOutput{}, err
	}
	return out, nil
}

// SVL invokes the SVL worker with directInvocation=true and decodes its
// output. Any error here — including a Lambda-reported function error —
// is surfaced to the caller, which per §4.4 treats it the same as
// validationPassed==false.
func (c *Client) SVL(ctx context.Context, in SVLInput) (SVLOutput, error) {
	in.DirectInvocation = true
	var out SVLOutput
	if err := c.invoke(ctx, c.svlFunction, in, &out); err != nil {
		return SVLOutput{}, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, functionName string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", ErrInvocationFailed, err)
	}

	result, err := c.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("%w: invoking %s: %v", ErrInvocationFailed, functionName, err)
	}
	if result.FunctionError != nil {
		return fmt.Errorf("%w: %s returned function error %s: %s", ErrInvocationFailed, functionName, *result.FunctionError, result.Payload)
	}

	if err := json.Unmarshal(result.Payload, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrInvocationFailed, functionName, err)
	}
	return nil
}
