package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/elephant-xyz/errorcore/observability"
)

// StepProcessor processes one item against the accumulated state and
// returns the updated state. Used by the resolver's restart pipeline: the
// Transform step takes the execution's S3 pointer and returns a
// transformedOutputS3Uri, the SVL step takes that URI and returns whether
// validation passed.
type StepProcessor[TItem, TContext any] func(ctx context.Context, item TItem, state TContext) (TContext, error)

// ChainResult holds the outcome of ProcessChain. Final holds the result on
// success or the state at the point of failure. Intermediate is only
// populated when ChainConfig.CaptureIntermediateStates is set.
type ChainResult[TContext any] struct {
	Final        TContext
	Intermediate []TContext
	Steps        int
}

// ProcessChain runs items through processor in order, folding accumulated
// state from step to step and stopping at the first error (fail-fast;
// there is no partial-success mode for a sequential chain the way there
// is for ProcessParallel).
func ProcessChain[TItem, TContext any](
	ctx context.Context,
	cfg ChainConfig,
	items []TItem,
	initial TContext,
	processor StepProcessor[TItem, TContext],
	progress ProgressFunc[TContext],
) (ChainResult[TContext], error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return ChainResult[TContext]{}, fmt.Errorf("failed to resolve observer: %w", err)
	}

	result := ChainResult[TContext]{Final: initial}

	observer.OnEvent(ctx, observability.Event{
		Type:      EventChainStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "batch.ProcessChain",
		Data: map[string]any{
			"item_count": len(items),
		},
	})

	if len(items) == 0 {
		observer.OnEvent(ctx, observability.Event{
			Type:      EventChainComplete,
			Level:     observability.LevelInfo,
			Timestamp: time.Now(),
			Source:    "batch.ProcessChain",
			Data:      map[string]any{"steps_completed": 0, "error": false},
		})
		return result, nil
	}

	var intermediate []TContext
	if cfg.CaptureIntermediateStates {
		intermediate = make([]TContext, 0, len(items)+1)
		intermediate = append(intermediate, initial)
	}

	state := initial

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			chainErr := &ChainError[TItem, TContext]{StepIndex: i, Item: item, State: state, Err: fmt.Errorf("processing cancelled: %w", err)}
			observer.OnEvent(ctx, observability.Event{
				Type:      EventChainComplete,
				Level:     observability.LevelInfo,
				Timestamp: time.Now(),
				Source:    "batch.ProcessChain",
				Data:      map[string]any{"steps_completed": i, "error": true},
			})
			result.Final = state
			return result, chainErr
		}

		observer.OnEvent(ctx, observability.Event{
			Type:      EventStepStart,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "batch.ProcessChain",
			Data:      map[string]any{"step_index": i, "total_steps": len(items)},
		})

		updated, err := processor(ctx, item, state)
		if err != nil {
			chainErr := &ChainError[TItem, TContext]{StepIndex: i, Item: item, State: state, Err: err}
			observer.OnEvent(ctx, observability.Event{
				Type:      EventStepComplete,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "batch.ProcessChain",
				Data:      map[string]any{"step_index": i, "error": true},
			})
			observer.OnEvent(ctx, observability.Event{
				Type:      EventChainComplete,
				Level:     observability.LevelInfo,
				Timestamp: time.Now(),
				Source:    "batch.ProcessChain",
				Data:      map[string]any{"steps_completed": i, "error": true},
			})
			result.Final = state
			return result, chainErr
		}

		state = updated
		if cfg.CaptureIntermediateStates {
			intermediate = append(intermediate, state)
		}

		observer.OnEvent(ctx, observability.Event{
			Type:      EventStepComplete,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "batch.ProcessChain",
			Data:      map[string]any{"step_index": i, "error": false},
		})

		if progress != nil {
			progress(i+1, len(items), state)
		}
	}

	result.Final = state
	result.Intermediate = intermediate
	result.Steps = len(items)

	observer.OnEvent(ctx, observability.Event{
		Type:      EventChainComplete,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "batch.ProcessChain",
		Data:      map[string]any{"steps_completed": len(items), "error": false},
	})

	return result, nil
}
