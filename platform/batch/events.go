package batch

import "github.com/elephant-xyz/errorcore/observability"

const (
	EventChainStart    observability.EventType = "batch.chain.start"
	EventChainComplete observability.EventType = "batch.chain.complete"
	EventStepStart     observability.EventType = "batch.step.start"
	EventStepComplete  observability.EventType = "batch.step.complete"

	EventParallelStart    observability.EventType = "batch.parallel.start"
	EventParallelComplete observability.EventType = "batch.parallel.complete"
	EventWorkerStart      observability.EventType = "batch.worker.start"
	EventWorkerComplete   observability.EventType = "batch.worker.complete"
)
