package chain_test

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"chainvault/internal/chain"
	"chainvault/internal/testutil"
)

const subject = "vm-01"

type fixture struct {
	storage chain.Storage
	clock   *testutil.StubClock
	store   *chain.DocumentStore
	manager *chain.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, testutil.NewTestStorage())
}

func newFixtureWith(t *testing.T, s chain.Storage) *fixture {
	t.Helper()
	clock := testutil.FixedClock()
	logger := chain.NewNopLogger()
	store := chain.NewDocumentStore(s, chain.DefaultRetentionPolicy(), logger, clock)
	m, err := chain.NewManager(subject, store, s, logger, clock)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return &fixture{storage: s, clock: clock, store: store, manager: m}
}

func (f *fixture) add(t *testing.T, req chain.AddBackupRequest) *chain.Chain {
	t.Helper()
	c, err := f.manager.AddBackup(req)
	if err != nil {
		t.Fatalf("AddBackup(%s) error = %v", req.BackupID, err)
	}
	return c
}

// addWithFolder records a backup and writes its folder.
func (f *fixture) addWithFolder(t *testing.T, req chain.AddBackupRequest) {
	t.Helper()
	testutil.WriteBackupFolder(t, f.storage, subject, req.BackupID, testutil.VMFiles("disk of "+req.BackupID))
	f.add(t, req)
}

func (f *fixture) load(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := f.manager.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func full(id string, ts time.Time) chain.AddBackupRequest {
	return chain.AddBackupRequest{
		BackupID:  id,
		Type:      chain.TypeFull,
		Mode:      chain.ModeFullSnapshot,
		Timestamp: ts,
		SizeBytes: 1000,
		Files:     []string{"vm.ovf", "disk-0.vmdk"},
	}
}

func incr(id, base string, ts time.Time) chain.AddBackupRequest {
	return chain.AddBackupRequest{
		BackupID:          id,
		Type:              chain.TypeIncremental,
		Mode:              chain.ModeBlockDiff,
		Timestamp:         ts,
		SizeBytes:         100,
		BaseBackupID:      base,
		ChangedBlockCount: 12,
		Files:             []string{"changed_blocks.dat"},
	}
}

func ids(entries []*chain.BackupEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

// faultyStorage wraps a Storage and fails selected operations on selected paths.
type faultyStorage struct {
	chain.Storage
	failRead   map[string]bool
	failWrite  map[string]bool
	failOpen   map[string]bool
	failDelete map[string]bool
}

var errInjected = errors.New("injected failure")

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{
		Storage:    testutil.NewTestStorage(),
		failRead:   map[string]bool{},
		failWrite:  map[string]bool{},
		failOpen:   map[string]bool{},
		failDelete: map[string]bool{},
	}
}

func (s *faultyStorage) Read(p string) ([]byte, error) {
	if s.failRead[p] {
		return nil, fmt.Errorf("read %s: %w", p, errInjected)
	}
	return s.Storage.Read(p)
}

func (s *faultyStorage) Write(p string, data []byte) error {
	if s.failWrite[p] {
		return fmt.Errorf("write %s: %w", p, errInjected)
	}
	return s.Storage.Write(p, data)
}

func (s *faultyStorage) Open(p string) (io.ReadCloser, error) {
	if s.failOpen[p] {
		return nil, fmt.Errorf("open %s: %w", p, errInjected)
	}
	return s.Storage.Open(p)
}

func (s *faultyStorage) DeleteRecursive(p string) error {
	if s.failDelete[p] {
		return fmt.Errorf("delete %s: %w", p, errInjected)
	}
	return s.Storage.DeleteRecursive(p)
}
