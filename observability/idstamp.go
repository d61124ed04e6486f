package observability

import (
	"context"

	"github.com/google/uuid"
)

// idStampingObserver wraps another Observer and stamps a correlation id
// onto every event that doesn't already carry one before forwarding it.
type idStampingObserver struct {
	next Observer
}

// WithEventIDs wraps next so every event it receives gets a stable
// Event.ID, generated once here rather than at each of the many call
// sites that build an Event literal. Wrapping an already-wrapped
// Observer is safe: stamping only fills in a blank ID.
func WithEventIDs(next Observer) Observer {
	if next == nil {
		return next
	}
	return &idStampingObserver{next: next}
}

func (o *idStampingObserver) OnEvent(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	o.next.OnEvent(ctx, event)
}
