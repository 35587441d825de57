package app

import (
	"errors"
	"fmt"

	"chainvault/internal/chain"
	"chainvault/internal/database"
)

// Subjects lists every subject with a stored chain.
func (a *App) Subjects() ([]string, error) {
	return a.store.Subjects()
}

// AddBackup records a completed backup without running the pipeline.
func (a *App) AddBackup(subject string, req chain.AddBackupRequest) (*chain.Chain, error) {
	if err := a.persistOperation(subject, req.BackupID); err != nil {
		return nil, err
	}
	m, err := a.manager(subject)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	c, err := m.AddBackup(req)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("adding backup %s: %w", req.BackupID, err))
	}
	a.metrics.BackupAdded(subject, req.Type)
	a.touch(subject)
	return c, nil
}

// Chain returns the subject's chain document.
func (a *App) Chain(subject string) (*chain.Chain, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return m.Load()
}

func (a *App) Statistics(subject string) (*chain.Statistics, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return m.Statistics()
}

// RestoreChain returns the ordered backups to apply to restore backupID.
func (a *App) RestoreChain(subject, backupID string) ([]*chain.BackupEntry, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return m.GetRestoreChain(backupID)
}

func (a *App) ValidateRestore(subject, backupID string) (*chain.RestoreValidation, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return m.ValidateRestore(backupID)
}

func (a *App) ValidateChain(subject string) (*chain.ValidationResult, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return m.ValidateChainIntegrity()
}

// RemoveBackup drops an entry from the chain. Its folder is left in storage.
func (a *App) RemoveBackup(subject, backupID string) (bool, error) {
	if err := a.persistOperation(subject, backupID); err != nil {
		return false, err
	}
	m, err := a.manager(subject)
	if err != nil {
		return false, a.op.Fail(err)
	}
	removed, err := m.RemoveBackup(backupID)
	if err != nil {
		return false, a.op.Fail(err)
	}
	if removed {
		a.touch(subject)
	}
	return removed, nil
}

// CreateManifest writes the checksum manifest of a backup in the chain.
func (a *App) CreateManifest(subject, backupID string) (*chain.Manifest, error) {
	if err := a.persistOperation(subject, backupID); err != nil {
		return nil, err
	}
	m, err := a.manager(subject)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	manifest, err := a.integrity(m).CreateManifestForBackup(backupID)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	return manifest, nil
}

// Checksums hashes a backup folder with the configured algorithm without
// writing anything.
func (a *App) Checksums(subject, backupID string) (map[string]chain.FileChecksum, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	entry, err := m.GetBackup(backupID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrBackupNotFound, backupID)
	}
	return a.integrity(m).CalculateChecksums(chain.BackupFolder(subject, backupID), "")
}

// Verify checks one backup. The outcome of a manifest verification is
// recorded on the chain entry; basic verification proves too little for that.
func (a *App) Verify(subject, backupID string) (*chain.VerificationResult, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	result := a.integrity(m).VerifyBackupIntegrity(backupID)
	a.metrics.Verification(subject, result)

	if result.Mode != chain.VerificationManifest {
		return result, nil
	}
	entry, err := m.GetBackup(backupID)
	if err != nil || entry == nil || entry.IntegrityVerified == result.Valid {
		return result, err
	}
	if err := a.persistOperation(subject, backupID); err != nil {
		return result, err
	}
	if err := m.SetIntegrityVerified(backupID, result.Valid); err != nil {
		return result, a.op.Fail(err)
	}
	a.touch(subject)
	return result, nil
}

// VerifyAll checks every backup of the subject.
func (a *App) VerifyAll(subject string) (*chain.VerificationSummary, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	summary, err := a.integrity(m).VerifyAllBackups()
	if err != nil {
		return nil, err
	}
	for _, r := range summary.Results {
		a.metrics.Verification(subject, r)
	}
	return summary, nil
}

// ApplyRetention runs retention on one subject. A nil policy uses the chain's own.
func (a *App) ApplyRetention(subject string, policy *chain.RetentionPolicy, dryRun bool) (*chain.RetentionResult, error) {
	if !dryRun {
		params := "chain policy"
		if policy != nil {
			params = policy.String()
		}
		if err := a.persistOperation(subject, params); err != nil {
			return nil, err
		}
	}
	m, err := a.manager(subject)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	result, err := chain.NewRetentionManager(m).ApplyPolicy(policy, dryRun)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	a.metrics.Retention(result)
	if result.DeletedCount > 0 && !dryRun {
		a.touch(subject)
	}
	return result, nil
}

func (a *App) PreviewRetention(subject string, policy *chain.RetentionPolicy) (*chain.RetentionPreview, error) {
	m, err := a.manager(subject)
	if err != nil {
		return nil, err
	}
	return chain.NewRetentionManager(m).Preview(policy)
}

// SetPolicy replaces the retention policy of one chain.
func (a *App) SetPolicy(subject string, policy chain.RetentionPolicy) error {
	if err := a.persistOperation(subject, policy.String()); err != nil {
		return err
	}
	m, err := a.manager(subject)
	if err != nil {
		return a.op.Fail(err)
	}
	if err := chain.NewRetentionManager(m).UpdateChainPolicy(policy); err != nil {
		return a.op.Fail(err)
	}
	a.touch(subject)
	return nil
}

// History returns the most recent journal operations, newest first.
func (a *App) History(limit int) ([]*database.Operation, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return a.db.ListOperations(limit)
}
