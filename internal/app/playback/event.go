package playback

// EventType represents a queue event type.
type EventType int

const (
	EventItemStarted  EventType = iota // Item factory returned a handle
	EventItemFinished                  // Item completed successfully
	EventItemFailed                    // Item factory failed or its completion rejected
	EventItemSkipped                   // Item was aborted by Skip
	EventItemStopped                   // Item was aborted by Stop or Close
	EventQueueEmpty                    // Pending items exhausted, loop exited
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventItemStarted:
		return "item_started"
	case EventItemFinished:
		return "item_finished"
	case EventItemFailed:
		return "item_failed"
	case EventItemSkipped:
		return "item_skipped"
	case EventItemStopped:
		return "item_stopped"
	case EventQueueEmpty:
		return "queue_empty"
	default:
		return "unknown"
	}
}

// Event represents a queue event.
type Event struct {
	Type  EventType
	Item  *Item // Item concerned (nil for EventQueueEmpty)
	Err   error // Completion error for failed, skipped and stopped items
	State State // Queue state after the event
}
