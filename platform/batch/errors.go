package batch

import (
	"fmt"
	"sort"
	"strings"
)

// ChainError carries the step index, item, and accumulated state at the
// point ProcessChain stopped, plus the underlying cause.
type ChainError[TItem, TContext any] struct {
	StepIndex int
	Item      TItem
	State     TContext
	Err       error
}

func (e *ChainError[TItem, TContext]) Error() string {
	return fmt.Sprintf("chain failed at step %d: %v", e.StepIndex, e.Err)
}

func (e *ChainError[TItem, TContext]) Unwrap() error {
	return e.Err
}

// TaskError carries the original index and item of one failed parallel
// task, alongside the underlying error.
type TaskError[TItem any] struct {
	Index int
	Item  TItem
	Err   error
}

// ParallelResult separates successes from failures using dense slices. The
// two slices need not sum to the original item count when FailFast stopped
// processing early.
type ParallelResult[TItem, TResult any] struct {
	Results []TResult
	Errors  []TaskError[TItem]
}

// ParallelError wraps the task failures ProcessParallel returns as an
// error. Its Error() categorizes failures by message and sorts by
// frequency so a batch of 500 ConditionalCheckFailed errors doesn't drown
// the one real throttling error in the log line.
type ParallelError[TItem any] struct {
	Errors []TaskError[TItem]
}

func (e *ParallelError[TItem]) Error() string {
	if len(e.Errors) == 0 {
		return "parallel execution failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("parallel execution failed: item %d: %v", e.Errors[0].Index, e.Errors[0].Err)
	}

	counts := make(map[string]int)
	for _, taskErr := range e.Errors {
		counts[taskErr.Err.Error()]++
	}

	type summary struct {
		msg   string
		count int
	}
	summaries := make([]summary, 0, len(counts))
	for msg, count := range counts {
		summaries = append(summaries, summary{msg, count})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].count > summaries[j].count })

	parts := make([]string, 0, len(summaries))
	for _, s := range summaries {
		if s.count == 1 {
			parts = append(parts, fmt.Sprintf("'%s' (1 item)", s.msg))
		} else {
			parts = append(parts, fmt.Sprintf("'%s' (%d items)", s.msg, s.count))
		}
	}

	return fmt.Sprintf("parallel execution failed: %d items failed with %d error types: %s",
		len(e.Errors), len(counts), strings.Join(parts, ", "))
}

// Unwrap exposes every underlying task error for errors.Is/errors.As.
func (e *ParallelError[TItem]) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, taskErr := range e.Errors {
		errs[i] = taskErr.Err
	}
	return errs
}
