package batch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/elephant-xyz/errorcore/observability"
	"github.com/elephant-xyz/errorcore/platform/batch"
)

type captureObserver struct {
	events []observability.Event
}

func (o *captureObserver) OnEvent(ctx context.Context, event observability.Event) {
	o.events = append(o.events, event)
}

// restartState models the two-step Transform->SVL pipeline this is
// grounded on: a running accumulation of the worker outputs seen so far.
type restartState struct {
	transformedURI  string
	validationPassed bool
}

func TestProcessChain_TransformThenSVL(t *testing.T) {
	ctx := context.Background()
	cfg := batch.DefaultChainConfig()
	cfg.Observer = "noop"

	steps := []string{"transform", "svl"}
	initial := restartState{}

	processor := func(ctx context.Context, step string, state restartState) (restartState, error) {
		switch step {
		case "transform":
			state.transformedURI = "s3://bucket/out.json"
		case "svl":
			state.validationPassed = state.transformedURI != ""
		}
		return state, nil
	}

	result, err := batch.ProcessChain(ctx, cfg, steps, initial, processor, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Final.validationPassed {
		t.Error("expected validation to pass after both steps ran")
	}
	if result.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", result.Steps)
	}
}

func TestProcessChain_EmptyChain(t *testing.T) {
	ctx := context.Background()
	cfg := batch.DefaultChainConfig()

	result, err := batch.ProcessChain(ctx, cfg, []string{}, "initial", func(ctx context.Context, item, state string) (string, error) {
		return state, nil
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Final != "initial" || result.Steps != 0 {
		t.Errorf("expected unchanged initial state with 0 steps, got %+v", result)
	}
}

func TestProcessChain_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	cfg := batch.DefaultChainConfig()

	failAt := errors.New("transform invocation failed")
	processor := func(ctx context.Context, step string, state string) (string, error) {
		if step == "svl" {
			return state, failAt
		}
		return state + ">" + step, nil
	}

	result, err := batch.ProcessChain(ctx, cfg, []string{"transform", "svl"}, "start", processor, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var chainErr *batch.ChainError[string, string]
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected ChainError, got %T", err)
	}
	if chainErr.StepIndex != 1 {
		t.Errorf("expected failure at step 1, got %d", chainErr.StepIndex)
	}
	if !errors.Is(err, failAt) {
		t.Error("expected error chain to contain failAt")
	}
	if result.Steps != 0 {
		t.Errorf("expected 0 completed steps on failure, got %d", result.Steps)
	}
}

func TestProcessChain_IntermediateCapture(t *testing.T) {
	ctx := context.Background()
	cfg := batch.ChainConfig{CaptureIntermediateStates: true, Observer: "noop"}

	processor := func(ctx context.Context, item, state string) (string, error) {
		return state + "+" + item, nil
	}

	result, err := batch.ProcessChain(ctx, cfg, []string{"a", "b"}, "s", processor, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := []string{"s", "s+a", "s+a+b"}
	if len(result.Intermediate) != len(want) {
		t.Fatalf("expected %d intermediate states, got %d", len(want), len(result.Intermediate))
	}
	for i := range want {
		if result.Intermediate[i] != want[i] {
			t.Errorf("intermediate[%d] = %q, want %q", i, result.Intermediate[i], want[i])
		}
	}
}

func TestProcessChain_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := batch.DefaultChainConfig()

	processor := func(ctx context.Context, item, state string) (string, error) {
		if item == "transform" {
			cancel()
		}
		return state, nil
	}

	_, err := batch.ProcessChain(ctx, cfg, []string{"transform", "svl"}, "start", processor, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func TestProcessChain_ObserverIntegration(t *testing.T) {
	ctx := context.Background()
	observer := &captureObserver{}
	observability.RegisterObserver("test-chain-observer", observer)

	cfg := batch.ChainConfig{Observer: "test-chain-observer"}

	_, err := batch.ProcessChain(ctx, cfg, []string{"transform", "svl"}, "start", func(ctx context.Context, item, state string) (string, error) {
		return state, nil
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []observability.EventType{
		batch.EventChainStart,
		batch.EventStepStart, batch.EventStepComplete,
		batch.EventStepStart, batch.EventStepComplete,
		batch.EventChainComplete,
	}
	if len(observer.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(observer.events))
	}
	for i, e := range want {
		if observer.events[i].Type != e {
			t.Errorf("event %d: expected %v, got %v", i, e, observer.events[i].Type)
		}
	}
}

func TestProcessChain_InvalidObserver(t *testing.T) {
	ctx := context.Background()
	cfg := batch.ChainConfig{Observer: "nonexistent"}

	_, err := batch.ProcessChain(ctx, cfg, []string{"a"}, "s", func(ctx context.Context, item, state string) (string, error) {
		return state, nil
	}, nil)
	if err == nil {
		t.Fatal("expected observer resolution error")
	}
}
