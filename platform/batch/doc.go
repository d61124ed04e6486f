// Package batch provides generic fan-out/fan-in helpers for the parallel
// counter updates and sequential worker pipelines this core runs on every
// invocation: decrementing openErrorCount across many executions at once,
// decrementing totalCount across many error codes at once, and driving the
// two-step Transform-then-SVL restart call for a single execution.
//
// ProcessParallel processes independent items concurrently with a bounded
// worker pool and returns results in original item order. ProcessChain
// processes items in order, folding an accumulated state through each step
// and stopping at the first failure. Both emit observability events and
// accept an optional progress callback.
package batch
