package tasktoken_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/elephant-xyz/errorcore/platform/tasktoken"
)

type fakeSFN struct {
	lastInput *sfn.SendTaskSuccessInput
	err       error
}

func (f *fakeSFN) SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &sfn.SendTaskSuccessOutput{}, nil
}

func TestSendSuccess_EmptyOutput(t *testing.T) {
	fake := &fakeSFN{}
	sender := tasktoken.NewSender(fake)

	if err := sender.SendSuccess(context.Background(), "tt-xyz"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if *fake.lastInput.TaskToken != "tt-xyz" {
		t.Errorf("expected task token tt-xyz, got %s", *fake.lastInput.TaskToken)
	}
	if *fake.lastInput.Output != "{}" {
		t.Errorf("expected empty JSON output, got %s", *fake.lastInput.Output)
	}
}

func TestSendSuccess_PropagatesError(t *testing.T) {
	fake := &fakeSFN{err: errors.New("token expired")}
	sender := tasktoken.NewSender(fake)

	if err := sender.SendSuccess(context.Background(), "tt-xyz"); err == nil {
		t.Fatal("expected error to propagate so the caller can log it and move on")
	}
}
