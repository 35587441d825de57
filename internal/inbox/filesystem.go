package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// filesystemStore keeps one JSON file per event so a crash never loses more
// than the event being written.
//
// Directory structure:
//
//	<inbox_dir>/
//	  pending/
//	    <seq>-<event_id>.json    (queued events, FIFO by seq)
//	  rejected/
//	    <seq>-<event_id>.json    (refused events with the reason)
type filesystemStore struct {
	pendingDir  string
	rejectedDir string
}

var _ eventStore = (*filesystemStore)(nil)

func newFilesystemStore(inboxDir string) (*filesystemStore, error) {
	s := &filesystemStore{
		pendingDir:  filepath.Join(inboxDir, "pending"),
		rejectedDir: filepath.Join(inboxDir, "rejected"),
	}
	for _, dir := range []string{s.pendingDir, s.rejectedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}
	return s, nil
}

func (s *filesystemStore) Append(ev *Event) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%s.json", seq, ev.ID)
	return writeJSON(filepath.Join(s.pendingDir, name), ev)
}

func (s *filesystemStore) Peek() (*Event, error) {
	names, err := listEvents(s.pendingDir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	var ev Event
	if err := readJSON(filepath.Join(s.pendingDir, names[0]), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *filesystemStore) Remove(id string) error {
	name, err := s.find(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.pendingDir, name)); err != nil {
		return fmt.Errorf("removing event %s: %w", id, err)
	}
	return nil
}

// Reject writes the rejected record before removing the pending file, so the
// event is never in neither place.
func (s *filesystemStore) Reject(rejected *RejectedEvent) error {
	name, err := s.find(rejected.Event.ID)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(s.rejectedDir, name), rejected); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.pendingDir, name)); err != nil {
		return fmt.Errorf("removing rejected event %s: %w", rejected.Event.ID, err)
	}
	return nil
}

func (s *filesystemStore) Len() (int, error) {
	names, err := listEvents(s.pendingDir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *filesystemStore) Rejected() ([]*RejectedEvent, error) {
	names, err := listEvents(s.rejectedDir)
	if err != nil {
		return nil, err
	}
	out := make([]*RejectedEvent, 0, len(names))
	for _, name := range names {
		var r RejectedEvent
		if err := readJSON(filepath.Join(s.rejectedDir, name), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// find returns the pending file name of the event with the given id.
func (s *filesystemStore) find(id string) (string, error) {
	names, err := listEvents(s.pendingDir)
	if err != nil {
		return "", err
	}
	suffix := "-" + id + ".json"
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			return name, nil
		}
	}
	return "", fmt.Errorf("event %s not in queue", id)
}

// nextSeq returns one more than the highest sequence number in use, counting
// rejected events so sequence numbers are never reused.
func (s *filesystemStore) nextSeq() (uint64, error) {
	var highest uint64
	for _, dir := range []string{s.pendingDir, s.rejectedDir} {
		names, err := listEvents(dir)
		if err != nil {
			return 0, err
		}
		for _, name := range names {
			prefix, _, ok := strings.Cut(name, "-")
			if !ok {
				continue
			}
			if n, err := strconv.ParseUint(prefix, 10, 64); err == nil && n > highest {
				highest = n
			}
		}
	}
	return highest + 1, nil
}

// listEvents returns the event file names in dir, sorted.
func listEvents(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading inbox directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// writeJSON writes v atomically: a temp file in the same directory is
// renamed over path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
