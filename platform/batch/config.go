package batch

// ParallelConfig controls worker pool sizing and error handling for
// ProcessParallel.
//
// Worker pool sizing:
//   - MaxWorkers == 0: auto-detect as min(NumCPU*2, WorkerCap, len(items))
//   - MaxWorkers > 0: use the exact count
//
// Error handling:
//   - FailFast() == true: stop on first error, cancel remaining workers
//   - FailFast() == false: process every item, collect all errors
type ParallelConfig struct {
	// MaxWorkers is the exact worker pool size. 0 triggers auto-detection.
	MaxWorkers int

	// WorkerCap bounds auto-detected worker counts.
	WorkerCap int

	// FailFastNil distinguishes "unset" (nil, defaults to true) from an
	// explicit false. Use FailFast() rather than reading this directly.
	FailFastNil *bool

	// Observer names the registered observer to emit events through.
	Observer string
}

func (c *ParallelConfig) FailFast() bool {
	if c.FailFastNil == nil {
		return true
	}
	return *c.FailFastNil
}

// DefaultParallelConfig returns the defaults used by every batch decrement
// and GSI-refresh fan-out in aggregation: auto-sized
// workers capped at 16, fail-fast disabled (partial failures are normal
// under at-least-once redelivery and must not abort the sibling items),
// slog observer.
func DefaultParallelConfig() ParallelConfig {
	failFast := false
	return ParallelConfig{
		MaxWorkers:  0,
		WorkerCap:   16,
		FailFastNil: &failFast,
		Observer:    "slog",
	}
}

func (c *ParallelConfig) Merge(source *ParallelConfig) {
	if source.MaxWorkers > 0 {
		c.MaxWorkers = source.MaxWorkers
	}
	if source.WorkerCap > 0 {
		c.WorkerCap = source.WorkerCap
	}
	if source.FailFastNil != nil {
		c.FailFastNil = source.FailFastNil
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// ChainConfig controls ProcessChain's behavior.
type ChainConfig struct {
	// CaptureIntermediateStates, when true, records state after every step
	// in ChainResult.Intermediate (index 0 is the initial state).
	CaptureIntermediateStates bool

	// Observer names the registered observer to emit events through.
	Observer string
}

// DefaultChainConfig is used by the resolver's restart pipeline: no
// intermediate capture (only Final and whether SVL passed matter), slog
// observer.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		CaptureIntermediateStates: false,
		Observer:                  "slog",
	}
}

func (c *ChainConfig) Merge(source *ChainConfig) {
	if source.CaptureIntermediateStates {
		c.CaptureIntermediateStates = source.CaptureIntermediateStates
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
}
