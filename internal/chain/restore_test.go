package chain_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"chainvault/internal/chain"
)

func TestManager_GetRestoreChain(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F", f.clock.DaysAgo(3)))
	f.add(t, incr("I1", "F", f.clock.DaysAgo(2)))
	f.add(t, incr("I2", "F", f.clock.DaysAgo(1)))

	tests := []struct {
		target string
		want   []string
	}{
		{"I2", []string{"F", "I1", "I2"}},
		{"F", []string{"F"}},
		{"I1", []string{"F", "I1"}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := f.manager.GetRestoreChain(tt.target)
			if err != nil {
				t.Fatalf("GetRestoreChain() error = %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("GetRestoreChain(%s) = %v, want %v", tt.target, ids(got), tt.want)
			}
		})
	}
}

func TestManager_GetRestoreChain_IgnoresOtherBases(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F1", f.clock.DaysAgo(6)))
	f.add(t, incr("I1", "F1", f.clock.DaysAgo(5)))
	f.add(t, full("F2", f.clock.DaysAgo(4)))
	f.add(t, incr("J1", "F2", f.clock.DaysAgo(3)))
	f.add(t, incr("I2", "F1", f.clock.DaysAgo(2)))

	got, err := f.manager.GetRestoreChain("I2")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"F1", "I1", "I2"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("GetRestoreChain(I2) = %v, want %v", ids(got), want)
	}
}

func TestManager_GetRestoreChain_Failures(t *testing.T) {
	f := newFixture(t)
	f.add(t, full("F", f.clock.DaysAgo(4)))
	f.add(t, incr("I1", "F", f.clock.DaysAgo(3)))
	f.add(t, incr("I2", "F", f.clock.DaysAgo(2)))

	// Edit the document directly: a failed incremental and an orphan.
	c := f.load(t)
	i2, _ := c.Find("I2")
	i2.Status = chain.StatusFailed
	c.Backups = append(c.Backups, &chain.BackupEntry{
		ID:          "O1",
		Type:        chain.TypeIncremental,
		Mode:        chain.ModeBlockDiff,
		Timestamp:   f.clock.DaysAgo(1),
		Status:      chain.StatusCompleted,
		Incremental: &chain.IncrementalInfo{BaseBackupID: "gone"},
	})
	if err := f.store.Save(c); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		target  string
		wantErr error
	}{
		{"missing", chain.ErrBackupNotFound},
		{"I2", chain.ErrTargetUnreachable},
		{"O1", chain.ErrBaseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := f.manager.GetRestoreChain(tt.target)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetRestoreChain(%s) error = %v, want %v", tt.target, err, tt.wantErr)
			}
			if got != nil {
				t.Errorf("GetRestoreChain(%s) returned %v alongside an error", tt.target, ids(got))
			}
		})
	}
}

func TestManager_ValidateRestore(t *testing.T) {
	t.Run("restorable chain", func(t *testing.T) {
		f := newFixture(t)
		a := full("F", f.clock.DaysAgo(3))
		a.SizeBytes = 1 << 30
		b := incr("I1", "F", f.clock.DaysAgo(2))
		b.SizeBytes = 1 << 29
		f.addWithFolder(t, a)
		f.addWithFolder(t, b)

		v, err := f.manager.ValidateRestore("I1")
		if err != nil {
			t.Fatal(err)
		}
		if !v.Valid {
			t.Fatalf("Valid = false, errors = %v", v.Errors)
		}
		if want := []string{"F", "I1"}; !reflect.DeepEqual(v.RestoreChain, want) {
			t.Errorf("RestoreChain = %v, want %v", v.RestoreChain, want)
		}
		if v.TotalSizeGB != 1.5 {
			t.Errorf("TotalSizeGB = %v, want 1.5", v.TotalSizeGB)
		}
		found := false
		for _, w := range v.Warnings {
			if strings.Contains(w, "1 incremental") {
				found = true
			}
		}
		if !found {
			t.Errorf("Warnings = %v, want a note about applying incrementals", v.Warnings)
		}
	})

	t.Run("missing base folder", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, full("F", f.clock.DaysAgo(3)))
		f.addWithFolder(t, incr("I1", "F", f.clock.DaysAgo(2)))

		v, err := f.manager.ValidateRestore("I1")
		if err != nil {
			t.Fatal(err)
		}
		if v.Valid {
			t.Fatal("Valid = true with a missing base folder")
		}
		if len(v.Errors) != 1 || !strings.Contains(v.Errors[0], "vm-01/F") {
			t.Errorf("Errors = %v, want one error naming vm-01/F", v.Errors)
		}
	})

	t.Run("unknown backup", func(t *testing.T) {
		f := newFixture(t)
		v, err := f.manager.ValidateRestore("nope")
		if err != nil {
			t.Fatal(err)
		}
		if v.Valid || len(v.Errors) != 1 {
			t.Errorf("result = %+v, want invalid with one error", v)
		}
	})
}
