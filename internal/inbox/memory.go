package inbox

import "fmt"

// memoryStore keeps events in memory. Useful for testing and for one-shot
// invocations that push and drain in the same process.
type memoryStore struct {
	queue    []*Event
	rejected []*RejectedEvent
}

var _ eventStore = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) Append(ev *Event) error {
	cp := *ev
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *memoryStore) Peek() (*Event, error) {
	if len(s.queue) == 0 {
		return nil, nil
	}
	cp := *s.queue[0]
	return &cp, nil
}

func (s *memoryStore) Remove(id string) error {
	for i, ev := range s.queue {
		if ev.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %s not in queue", id)
}

func (s *memoryStore) Reject(rejected *RejectedEvent) error {
	if err := s.Remove(rejected.Event.ID); err != nil {
		return err
	}
	s.rejected = append(s.rejected, rejected)
	return nil
}

func (s *memoryStore) Len() (int, error) {
	return len(s.queue), nil
}

func (s *memoryStore) Rejected() ([]*RejectedEvent, error) {
	out := make([]*RejectedEvent, len(s.rejected))
	copy(out, s.rejected)
	return out, nil
}
