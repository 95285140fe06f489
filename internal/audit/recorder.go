package audit

import (
	"context"

	"github.com/google/uuid"

	"admission-service/internal/clock"
)

// Recorder stamps events with an ID, the tenant and the time before handing
// them to the dispatcher. A nil *Recorder discards events.
type Recorder struct {
	dispatcher *Dispatcher
	tenant     string
	clock      clock.Clock
}

func NewRecorder(dispatcher *Dispatcher, tenant string, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.System()
	}
	return &Recorder{dispatcher: dispatcher, tenant: tenant, clock: clk}
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || r.dispatcher == nil {
		return
	}
	now := r.clock.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TenantCode == "" {
		event.TenantCode = r.tenant
	}
	if event.EventTime.IsZero() {
		event.EventTime = now
	}
	event.EventDate = event.EventTime.Format("2006-01-02")
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	r.dispatcher.Emit(ctx, event)
}
