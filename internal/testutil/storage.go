package testutil

import (
	"path"
	"testing"

	"chainvault/internal/chain"
	"chainvault/internal/storage"
)

// NewTestStorage creates a new in-memory storage for testing.
func NewTestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage("test-storage")
}

// WriteBackupFolder writes files (relative path -> content) into the folder of
// a backup, the way the backup execution engine leaves them.
func WriteBackupFolder(t *testing.T, s chain.Storage, subject, backupID string, files map[string]string) {
	t.Helper()
	folder := chain.BackupFolder(subject, backupID)
	for name, content := range files {
		if err := s.Write(path.Join(folder, name), []byte(content)); err != nil {
			t.Fatalf("writing %s/%s: %v", folder, name, err)
		}
	}
}

// VMFiles returns a minimal exported VM: a descriptor and one disk.
func VMFiles(disk string) map[string]string {
	return map[string]string{
		"vm.ovf":       "<Envelope/>",
		"disk-0.vmdk": disk,
	}
}
