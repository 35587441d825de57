package inbox

import (
	"errors"
	"fmt"
	"sync"

	"chainvault/internal/chain"
)

// ErrRejected wraps the error of an event that ProcessNext moved to the
// rejected area.
var ErrRejected = errors.New("event rejected")

// ProcessFunc records one event. A chain refusal (see chain.IsRefusal) rejects
// the event; any other error leaves it queued for retry.
type ProcessFunc func(ev *Event) error

// Inbox is a FIFO of backup-completion events. Events are processed one at a
// time in arrival order, which serializes chain mutations per subject.
type Inbox struct {
	store  eventStore
	ids    chain.IDGenerator
	clock  chain.Clock
	logger chain.Logger
	mu     sync.Mutex
}

func newInbox(store eventStore, ids chain.IDGenerator, clock chain.Clock, logger chain.Logger) *Inbox {
	return &Inbox{store: store, ids: ids, clock: clock, logger: logger}
}

// NewMemoryInbox creates an inbox that lives only as long as the process.
func NewMemoryInbox(ids chain.IDGenerator, clock chain.Clock, logger chain.Logger) *Inbox {
	return newInbox(newMemoryStore(), ids, clock, logger)
}

// NewFilesystemInbox creates an inbox persisted under dir.
func NewFilesystemInbox(dir string, ids chain.IDGenerator, clock chain.Clock, logger chain.Logger) (*Inbox, error) {
	store, err := newFilesystemStore(dir)
	if err != nil {
		return nil, err
	}
	return newInbox(store, ids, clock, logger), nil
}

// Push validates and enqueues a completion report. Malformed reports are
// refused here instead of being queued.
func (in *Inbox) Push(subject string, req chain.AddBackupRequest) (*Event, error) {
	if err := chain.ValidateSubject(subject); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ev := &Event{
		ID:         in.ids.New(),
		Subject:    subject,
		Backup:     req,
		ReceivedAt: in.clock.Now().UTC(),
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.store.Append(ev); err != nil {
		return nil, fmt.Errorf("adding to inbox: %w", err)
	}

	in.logger.Info("event queued", "event_id", ev.ID, "subject", subject, "backup_id", req.BackupID)
	return ev, nil
}

// ProcessNext calls fn with the oldest event. If fn returns nil the event is
// removed (committed). If fn returns a refusal the event is moved to the
// rejected area and the error is returned wrapped in ErrRejected. Any other
// error leaves the event queued. Returns false with no error if the inbox is
// empty.
func (in *Inbox) ProcessNext(fn ProcessFunc) (bool, error) {
	in.mu.Lock()
	ev, err := in.store.Peek()
	in.mu.Unlock()
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}

	// fn runs outside the lock so pushes are not blocked by chain I/O.
	fnErr := fn(ev)

	in.mu.Lock()
	defer in.mu.Unlock()

	switch {
	case fnErr == nil:
		if err := in.store.Remove(ev.ID); err != nil {
			return true, err
		}
		in.logger.Debug("event processed", "event_id", ev.ID, "subject", ev.Subject)
		return true, nil

	case chain.IsRefusal(fnErr):
		rejected := &RejectedEvent{Event: *ev, Reason: fnErr.Error(), RejectedAt: in.clock.Now().UTC()}
		if err := in.store.Reject(rejected); err != nil {
			return true, fmt.Errorf("rejecting event %s: %w", ev.ID, err)
		}
		in.logger.Error("event rejected", "event_id", ev.ID, "subject", ev.Subject, "backup_id", ev.Backup.BackupID, "error", fnErr)
		return true, fmt.Errorf("%w: %s: %w", ErrRejected, ev.ID, fnErr)

	default:
		in.logger.Warn("event processing failed, will retry", "event_id", ev.ID, "subject", ev.Subject, "error", fnErr)
		return true, fnErr
	}
}

// Count returns the number of queued events.
func (in *Inbox) Count() (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.store.Len()
}

// Rejected returns the events that were refused, oldest first.
func (in *Inbox) Rejected() ([]*RejectedEvent, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.store.Rejected()
}
