package inbox

// eventStore abstracts the storage mechanics for an inbox.
// Concurrency is managed by the caller (Inbox.mu), so stores
// do not need to be safe for concurrent use.
type eventStore interface {
	// Append adds an event to the end of the queue.
	Append(ev *Event) error

	// Peek returns the first event in the queue without removing it.
	// Returns nil if the queue is empty.
	Peek() (*Event, error)

	// Remove deletes the event with the given id from the queue.
	Remove(id string) error

	// Reject moves the event with the given id to the rejected area.
	Reject(rejected *RejectedEvent) error

	// Len returns the number of queued events.
	Len() (int, error)

	// Rejected returns every rejected event, oldest first.
	Rejected() ([]*RejectedEvent, error)
}
