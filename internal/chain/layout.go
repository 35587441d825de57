package chain

import (
	"fmt"
	"path"
	"strings"
)

// Storage layout for one subject:
//
//	<subject>/
//	  chain.json            (chain document)
//	  chain.json.backup     (copy of the previous chain document)
//	  <backup_id>/          (one folder per backup)
//	    manifest.json       (checksums written after the backup completed)
const (
	ChainFileName    = "chain.json"
	SafetyCopySuffix = ".backup"
	ManifestFileName = "manifest.json"
)

// ChainPath returns the storage path of a subject's chain document.
func ChainPath(subject string) string {
	return path.Join(subject, ChainFileName)
}

// BackupFolder returns the storage path of a backup's folder.
func BackupFolder(subject, backupID string) string {
	return path.Join(subject, backupID)
}

// ManifestPath returns the storage path of a backup's manifest.
func ManifestPath(subject, backupID string) string {
	return path.Join(subject, backupID, ManifestFileName)
}

// ValidateSubject checks that a subject name is usable as a single folder name.
func ValidateSubject(subject string) error {
	if !isPathSegment(subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	return nil
}

// isPathSegment reports whether s names exactly one folder below its parent.
func isPathSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}
