package chain

import "fmt"

// GetRestoreChain returns the ordered list of backups needed to restore
// backupID: the full base followed by its completed incrementals up to and
// including the target. A full target restores on its own.
func (m *Manager) GetRestoreChain(backupID string) ([]*BackupEntry, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}
	entries, err := restoreChain(c, backupID)
	if err != nil {
		m.logger.Error("cannot build restore chain", "subject", m.subject, "backup_id", backupID, "error", err)
		return nil, err
	}
	return entries, nil
}

func restoreChain(c *Chain, backupID string) ([]*BackupEntry, error) {
	target, _ := c.Find(backupID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	if target.Type == TypeFull {
		return []*BackupEntry{target}, nil
	}

	baseID := target.BaseBackupID()
	if baseID == "" {
		return nil, fmt.Errorf("%w: incremental %s has no base", ErrBaseNotFound, backupID)
	}
	base, _ := c.Find(baseID)
	if base == nil {
		return nil, fmt.Errorf("%w: %s (base of %s)", ErrBaseNotFound, baseID, backupID)
	}
	if base.Type != TypeFull {
		return nil, fmt.Errorf("%w: base %s of %s is not a full backup", ErrBaseNotFound, baseID, backupID)
	}

	entries := []*BackupEntry{base}
	for _, inc := range incrementalChain(c, baseID) {
		entries = append(entries, inc)
		if inc.ID == target.ID {
			return entries, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (status %s) is not among the completed incrementals of %s",
		ErrTargetUnreachable, backupID, target.Status, baseID)
}

// RestoreValidation reports whether a restore of one backup can proceed.
type RestoreValidation struct {
	BackupID     string   `json:"backup_id"`
	Valid        bool     `json:"valid"`
	RestoreChain []string `json:"restore_chain"`
	TotalSizeGB  float64  `json:"total_size_gb"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
}

// ValidateRestore resolves the restore chain for backupID and checks that
// every backup folder in it is present.
func (m *Manager) ValidateRestore(backupID string) (*RestoreValidation, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}

	v := &RestoreValidation{
		BackupID:     backupID,
		RestoreChain: []string{},
		Errors:       []string{},
		Warnings:     []string{},
	}

	entries, err := restoreChain(c, backupID)
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v, nil
	}

	var total int64
	for _, b := range entries {
		v.RestoreChain = append(v.RestoreChain, b.ID)
		total += b.SizeBytes

		folder := BackupFolder(m.subject, b.ID)
		exists, err := m.storage.Exists(folder)
		switch {
		case err != nil:
			v.Errors = append(v.Errors, fmt.Sprintf("checking backup folder %s: %v", folder, err))
		case !exists:
			v.Errors = append(v.Errors, fmt.Sprintf("backup folder %s not found", folder))
		}
		if !b.Completed() {
			v.Warnings = append(v.Warnings, fmt.Sprintf("backup %s has status %s", b.ID, b.Status))
		}
		if !b.IntegrityVerified {
			v.Warnings = append(v.Warnings, fmt.Sprintf("backup %s has not passed an integrity check", b.ID))
		}
	}
	if len(entries) > 1 {
		v.Warnings = append(v.Warnings,
			fmt.Sprintf("restore applies %d incremental backup(s) on top of %s", len(entries)-1, entries[0].ID))
	}

	v.TotalSizeGB = BytesToGB(total)
	v.Valid = len(v.Errors) == 0
	return v, nil
}
