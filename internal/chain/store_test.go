package chain_test

import (
	"errors"
	"testing"

	"chainvault/internal/chain"
	"chainvault/internal/testutil"
)

func TestDocumentStore_LoadMissing(t *testing.T) {
	f := newFixture(t)

	c, err := f.store.Load(subject)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.SubjectID != subject {
		t.Errorf("SubjectID = %q, want %q", c.SubjectID, subject)
	}
	if len(c.Backups) != 0 || c.TotalBackups != 0 {
		t.Errorf("new chain has %d backups, total %d", len(c.Backups), c.TotalBackups)
	}
	if c.RetentionPolicy != chain.DefaultRetentionPolicy() {
		t.Errorf("RetentionPolicy = %+v, want default", c.RetentionPolicy)
	}
	if c.CurrentChangeToken != chain.UnsetChangeToken {
		t.Errorf("CurrentChangeToken = %q, want %q", c.CurrentChangeToken, chain.UnsetChangeToken)
	}
	if !c.CreatedAt.Equal(f.clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, f.clock.Now())
	}
}

func TestDocumentStore_LoadCorruptSelfHeals(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F1", f.clock.DaysAgo(2)))
	f.add(t, full("F2", f.clock.DaysAgo(1)))

	goodCopy, err := f.storage.Read(chain.ChainPath(subject) + chain.SafetyCopySuffix)
	if err != nil {
		t.Fatalf("reading safety copy: %v", err)
	}

	if err := f.storage.Write(chain.ChainPath(subject), []byte("{truncated")); err != nil {
		t.Fatal(err)
	}

	c, err := f.store.Load(subject)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(c.Backups) != 0 {
		t.Fatalf("Load() of corrupt document returned %d backups, want fresh chain", len(c.Backups))
	}

	if err := f.store.Save(c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	kept, err := f.storage.Read(chain.ChainPath(subject) + chain.CorruptSuffix)
	if err != nil {
		t.Fatalf("corrupt document not kept: %v", err)
	}
	if string(kept) != "{truncated" {
		t.Errorf("kept corrupt document = %q", kept)
	}

	stillGood, err := f.storage.Read(chain.ChainPath(subject) + chain.SafetyCopySuffix)
	if err != nil {
		t.Fatalf("reading safety copy: %v", err)
	}
	if string(stillGood) != string(goodCopy) {
		t.Error("safety copy was overwritten with the corrupt document")
	}
}

func TestDocumentStore_LoadReadFailure(t *testing.T) {
	s := newFaultyStorage()
	s.failRead[chain.ChainPath(subject)] = true
	f := newFixtureWith(t, s)

	if _, err := f.store.Load(subject); !errors.Is(err, errInjected) {
		t.Fatalf("Load() error = %v, want injected failure", err)
	}
}

func TestDocumentStore_SaveKeepsSafetyCopy(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F1", f.clock.DaysAgo(2)))

	first, err := f.storage.Read(chain.ChainPath(subject))
	if err != nil {
		t.Fatal(err)
	}

	f.add(t, full("F2", f.clock.DaysAgo(1)))

	backup, err := f.storage.Read(chain.ChainPath(subject) + chain.SafetyCopySuffix)
	if err != nil {
		t.Fatalf("safety copy missing: %v", err)
	}
	if string(backup) != string(first) {
		t.Error("safety copy does not hold the previous document")
	}

	prev, err := chain.DecodeChain(backup)
	if err != nil {
		t.Fatal(err)
	}
	if prev.TotalBackups != 1 {
		t.Errorf("safety copy TotalBackups = %d, want 1", prev.TotalBackups)
	}
}

func TestDocumentStore_SafetyCopyFailureIsNotFatal(t *testing.T) {
	s := newFaultyStorage()
	s.failWrite[chain.ChainPath(subject)+chain.SafetyCopySuffix] = true
	f := newFixtureWith(t, s)

	f.add(t, full("F1", f.clock.DaysAgo(2)))
	f.add(t, full("F2", f.clock.DaysAgo(1)))

	if got := f.load(t).TotalBackups; got != 2 {
		t.Errorf("TotalBackups = %d, want 2", got)
	}
}

func TestDocumentStore_PrimaryWriteFailurePropagates(t *testing.T) {
	s := newFaultyStorage()
	f := newFixtureWith(t, s)
	f.add(t, full("F1", f.clock.DaysAgo(2)))

	s.failWrite[chain.ChainPath(subject)] = true
	c := f.load(t)
	version := c.Version

	if _, err := f.manager.AddBackup(full("F2", f.clock.DaysAgo(1))); !errors.Is(err, errInjected) {
		t.Fatalf("AddBackup() error = %v, want injected failure", err)
	}
	if err := f.store.Save(c); !errors.Is(err, errInjected) {
		t.Fatalf("Save() error = %v, want injected failure", err)
	}
	if c.Version != version {
		t.Errorf("Version = %d after failed save, want %d", c.Version, version)
	}

	delete(s.failWrite, chain.ChainPath(subject))
	if got := f.load(t).TotalBackups; got != 1 {
		t.Errorf("TotalBackups = %d, want 1", got)
	}
}

func TestDocumentStore_VersionConflict(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F1", f.clock.DaysAgo(2)))

	a, err := f.store.Load(subject)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.store.Load(subject)
	if err != nil {
		t.Fatal(err)
	}

	a.CurrentChangeToken = "from-a"
	if err := f.store.Save(a); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	b.CurrentChangeToken = "from-b"
	if err := f.store.Save(b); !errors.Is(err, chain.ErrVersionConflict) {
		t.Fatalf("stale Save() error = %v, want ErrVersionConflict", err)
	}

	if got := f.load(t).CurrentChangeToken; got != "from-a" {
		t.Errorf("CurrentChangeToken = %q, want %q", got, "from-a")
	}
}

func TestDocumentStore_VersionIncrements(t *testing.T) {
	f := newFixture(t)
	for i, ts := range []int{3, 2, 1} {
		f.add(t, full("F"+string(rune('a'+i)), f.clock.DaysAgo(ts)))
	}
	if got := f.load(t).Version; got != 3 {
		t.Errorf("Version = %d, want 3", got)
	}
}

func TestDocumentStore_RejectsBadSubject(t *testing.T) {
	store := chain.NewDocumentStore(testutil.NewTestStorage(), chain.DefaultRetentionPolicy(), chain.NewNopLogger(), testutil.FixedClock())
	if _, err := store.Load("../etc"); !errors.Is(err, chain.ErrInvalidSubject) {
		t.Errorf("Load() error = %v, want ErrInvalidSubject", err)
	}
}

func TestDocumentStore_Subjects(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"vm-02", "vm-01"} {
		c, err := f.store.Load(s)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.store.Save(c); err != nil {
			t.Fatal(err)
		}
	}
	// A folder without a chain document is not a subject.
	if err := f.storage.Write("scratch/notes.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.Subjects()
	if err != nil {
		t.Fatalf("Subjects() error = %v", err)
	}
	if len(got) != 2 || got[0] != "vm-01" || got[1] != "vm-02" {
		t.Errorf("Subjects() = %v, want [vm-01 vm-02]", got)
	}
}
