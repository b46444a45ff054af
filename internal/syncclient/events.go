package syncclient

import (
	"sync"
	"time"
)

// Event types published by the engine and the monitor.
const (
	EventSyncStarted       = "sync_started"
	EventSyncCompleted     = "sync_completed"
	EventSyncFailed        = "sync_failed"
	EventSalesPushed       = "sales_pushed"
	EventSaleRejected      = "sale_rejected"
	EventSalesFailed       = "sales_failed"
	EventDeltaApplied      = "delta_applied"
	EventConnectivity      = "connectivity_changed"
	EventFiscalConfigFetch = "fiscal_config_fetched"
)

// Event is one progress or status notification for the POS UI.
type Event struct {
	Type       string    `json:"type"`
	EntityType string    `json:"entity_type,omitempty"`
	LocalID    int64     `json:"local_id,omitempty"`
	Count      int       `json:"count,omitempty"`
	Online     *bool     `json:"online,omitempty"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives events. Publish must not block.
type EventSink interface {
	Publish(e Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingSink) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in order.
func (r *RecordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
