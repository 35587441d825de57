package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned (wrapped) by Storage implementations for missing paths.
	ErrNotFound = errors.New("not found")

	ErrBackupNotFound    = errors.New("backup not found")
	ErrBaseNotFound      = errors.New("base backup not found")
	ErrInvalidBackup     = errors.New("invalid backup")
	ErrTargetUnreachable = errors.New("restore target unreachable from its base")
	ErrVersionConflict   = errors.New("chain document was modified concurrently")
	ErrInvalidPolicy     = errors.New("invalid retention policy")
	ErrInvalidSubject    = errors.New("invalid subject")
	ErrHasDependents     = errors.New("backup has dependent incrementals")
)

// DependentsError is returned when removing a full backup that incrementals
// still depend on. The dependents must be removed first.
type DependentsError struct {
	BackupID string
	Count    int
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("backup %s is the base of %d incremental backup(s); remove them first", e.BackupID, e.Count)
}

func (e *DependentsError) Is(target error) bool {
	return target == ErrHasDependents
}

// IsRefusal reports whether err is a structural refusal that retrying will not fix.
func IsRefusal(err error) bool {
	return errors.Is(err, ErrInvalidBackup) ||
		errors.Is(err, ErrBaseNotFound) ||
		errors.Is(err, ErrHasDependents) ||
		errors.Is(err, ErrInvalidSubject)
}
