package observability

// Event types shared across the aggregation repository and its three
// handlers. Package-specific events (if any) live beside their emitters;
// these are the ones multiple packages emit or that tests assert on
// across package boundaries.
const (
	EventRecordUpserted       EventType = "aggregation.record.upserted"
	EventMetadataUpdated      EventType = "aggregation.metadata.updated"
	EventCounterDecremented   EventType = "aggregation.counter.decremented"
	EventGsiRefreshed         EventType = "aggregation.gsi.refreshed"
	EventBatchDeleteCompleted EventType = "aggregation.batch_delete.completed"

	EventWorkflowEventIngested EventType = "eventhandler.event.ingested"
	EventWorkflowEventSkipped  EventType = "eventhandler.event.skipped"

	EventStreamRecordSkipped  EventType = "counthandler.record.skipped"
	EventTaskTokenSent        EventType = "counthandler.task_token.sent"
	EventTaskTokenSendFailed  EventType = "counthandler.task_token.failed"

	EventExecutionRestarted  EventType = "resolver.execution.restarted"
	EventExecutionDLQRouted  EventType = "resolver.execution.dlq_routed"
	EventExecutionSkipped    EventType = "resolver.execution.skipped"
	EventSplitStateDetected  EventType = "resolver.execution.split_state"
	EventDuplicateRestartHit EventType = "resolver.execution.duplicate_restart_guard"
)
