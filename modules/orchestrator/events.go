package orchestrator

import "time"

// EventType names a visible state transition.
type EventType string

const (
	EventBatchStarted   EventType = "batch_started"
	EventItemUpdated    EventType = "item_updated"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchDiscarded EventType = "batch_discarded"
)

// Event is published after every transition. BatchStarted carries all items,
// ItemUpdated carries the changed item, BatchCompleted carries the counts.
type Event struct {
	Type    EventType `json:"type"`
	BatchID string    `json:"batchId"`
	Items   []Item    `json:"items,omitempty"`
	Item    *Item     `json:"item,omitempty"`
	Counts  *Counts   `json:"counts,omitempty"`
	At      time.Time `json:"at"`
}

// Observer receives events synchronously, one at a time, in transition order.
// It may call Snapshot but must not start batches or retries.
type Observer func(Event)
