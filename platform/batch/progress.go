package batch

// ProgressFunc reports execution progress. Called after each successful
// step/item completion; not called before the first step or on failure.
type ProgressFunc[T any] func(completed, total int, state T)
