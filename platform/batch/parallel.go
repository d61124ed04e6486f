package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elephant-xyz/errorcore/observability"
)

// TaskProcessor processes a single item independently and returns a
// result. Used for fan-out work with no ordering dependency between
// items: decrementing openErrorCount for N executions, decrementing
// totalCount for N error codes, refreshing GSI keys for N rows.
type TaskProcessor[TItem, TResult any] func(ctx context.Context, item TItem) (TResult, error)

type indexedItem[TItem any] struct {
	index int
	item  TItem
}

type indexedResult[TResult any] struct {
	index  int
	result TResult
	err    error
}

// ProcessParallel fans an item slice out across a bounded worker pool and
// returns results in original item order regardless of completion order.
//
// With cfg.FailFast() == true, the first error cancels remaining workers
// and ProcessParallel returns a *ParallelError alongside the partial
// ParallelResult. With cfg.FailFast() == false every item runs to
// completion; ProcessParallel only returns an error when every item
// failed (len(Results) == 0), matching the "per-item failures never abort
// the batch" rule batch decrements run under.
func ProcessParallel[TItem, TResult any](
	ctx context.Context,
	cfg ParallelConfig,
	items []TItem,
	processor TaskProcessor[TItem, TResult],
	progress ProgressFunc[TResult],
) (ParallelResult[TItem, TResult], error) {
	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return ParallelResult[TItem, TResult]{}, fmt.Errorf("failed to resolve observer: %w", err)
	}

	if len(items) == 0 {
		observer.OnEvent(ctx, observability.Event{
			Type:      EventParallelStart,
			Level:     observability.LevelInfo,
			Timestamp: time.Now(),
			Source:    "batch.ProcessParallel",
			Data: map[string]any{
				"item_count": 0,
				"fail_fast":  cfg.FailFast(),
			},
		})
		observer.OnEvent(ctx, observability.Event{
			Type:      EventParallelComplete,
			Level:     observability.LevelInfo,
			Timestamp: time.Now(),
			Source:    "batch.ProcessParallel",
			Data: map[string]any{
				"items_processed": 0,
				"items_failed":    0,
				"error":           false,
			},
		})
		return ParallelResult[TItem, TResult]{Results: []TResult{}, Errors: []TaskError[TItem]{}}, nil
	}

	workerCount := calculateWorkerCount(cfg.MaxWorkers, cfg.WorkerCap, len(items))

	observer.OnEvent(ctx, observability.Event{
		Type:      EventParallelStart,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "batch.ProcessParallel",
		Data: map[string]any{
			"item_count":   len(items),
			"worker_count": workerCount,
			"fail_fast":    cfg.FailFast(),
		},
	})

	workQueue := make(chan indexedItem[TItem], len(items))
	resultChannel := make(chan indexedResult[TResult], len(items))
	done := make(chan struct{})

	var results []TResult
	var errs []TaskError[TItem]

	go func() {
		results, errs = collectResults(resultChannel, len(items), items)
		close(done)
	}()

	cancelCtx := ctx
	cancel := func() {}
	if cfg.FailFast() {
		cancelCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	var wg sync.WaitGroup
	var completed atomic.Int32

	for i := range workerCount {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processWorker(cancelCtx, workerID, workQueue, resultChannel, processor, progress, &completed, len(items), observer, cfg.FailFast(), cancel)
		}(i)
	}

	for i, item := range items {
		workQueue <- indexedItem[TItem]{index: i, item: item}
	}
	close(workQueue)

	wg.Wait()
	close(resultChannel)
	<-done

	hadError := len(errs) > 0 && (cfg.FailFast() || len(results) == 0)

	observer.OnEvent(ctx, observability.Event{
		Type:      EventParallelComplete,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "batch.ProcessParallel",
		Data: map[string]any{
			"items_processed": len(results),
			"items_failed":    len(errs),
			"error":           hadError,
		},
	})

	result := ParallelResult[TItem, TResult]{Results: results, Errors: errs}

	if ctx.Err() != nil && cfg.FailFast() {
		return result, fmt.Errorf("parallel execution cancelled: %w", ctx.Err())
	}
	if hadError {
		return result, &ParallelError[TItem]{Errors: errs}
	}
	return result, nil
}

func calculateWorkerCount(maxWorkers, workerCap, itemCount int) int {
	if maxWorkers > 0 {
		return maxWorkers
	}
	workers := min(min(runtime.NumCPU()*2, workerCap), itemCount)
	if workers <= 0 {
		workers = 1
	}
	return workers
}

func processWorker[TItem, TResult any](
	ctx context.Context,
	workerID int,
	workQueue <-chan indexedItem[TItem],
	resultChannel chan<- indexedResult[TResult],
	processor TaskProcessor[TItem, TResult],
	progress ProgressFunc[TResult],
	completed *atomic.Int32,
	total int,
	observer observability.Observer,
	failFast bool,
	cancel context.CancelFunc,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-workQueue:
			if !ok {
				return
			}

			observer.OnEvent(ctx, observability.Event{
				Type:      EventWorkerStart,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "batch.ProcessParallel",
				Data: map[string]any{
					"worker_id":  workerID,
					"item_index": work.index,
				},
			})

			result, err := processor(ctx, work.item)

			observer.OnEvent(ctx, observability.Event{
				Type:      EventWorkerComplete,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "batch.ProcessParallel",
				Data: map[string]any{
					"worker_id":  workerID,
					"item_index": work.index,
					"error":      err != nil,
				},
			})

			if err != nil {
				resultChannel <- indexedResult[TResult]{index: work.index, err: err}
				if failFast {
					cancel()
					return
				}
				continue
			}

			resultChannel <- indexedResult[TResult]{index: work.index, result: result}
			if progress != nil {
				count := completed.Add(1)
				progress(int(count), total, result)
			}
		}
	}
}

// collectResults runs in the background while workers are still in
// flight, draining resultChannel so its buffer never blocks a worker.
// Indexing results by position lets it rebuild order-preserving dense
// slices even though completion order is arbitrary.
func collectResults[TItem, TResult any](resultChannel <-chan indexedResult[TResult], itemCount int, items []TItem) ([]TResult, []TaskError[TItem]) {
	resultMap := make(map[int]TResult)
	errorMap := make(map[int]error)

	for r := range resultChannel {
		if r.err != nil {
			errorMap[r.index] = r.err
		} else {
			resultMap[r.index] = r.result
		}
	}

	results := make([]TResult, 0, len(resultMap))
	errs := make([]TaskError[TItem], 0, len(errorMap))

	for i := range itemCount {
		if result, ok := resultMap[i]; ok {
			results = append(results, result)
		}
		if err, ok := errorMap[i]; ok {
			errs = append(errs, TaskError[TItem]{Index: i, Item: items[i], Err: err})
		}
	}

	return results, errs
}
