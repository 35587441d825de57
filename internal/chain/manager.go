package chain

import (
	"fmt"
	"math"
	"time"
)

// Manager is the single source of truth for one subject's chain. Every
// mutation loads the whole document, changes it and saves it back.
type Manager struct {
	subject string
	store   ChainStore
	storage Storage
	logger  Logger
	clock   Clock
}

// NewManager creates a Manager for subject. store persists the chain document;
// storage holds the backup folders the chain refers to.
func NewManager(subject string, store ChainStore, storage Storage, logger Logger, clock Clock) (*Manager, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	return &Manager{
		subject: subject,
		store:   store,
		storage: storage,
		logger:  logger,
		clock:   clock,
	}, nil
}

// Subject returns the subject this manager owns.
func (m *Manager) Subject() string {
	return m.subject
}

// Load returns the current chain document.
func (m *Manager) Load() (*Chain, error) {
	return m.store.Load(m.subject)
}

// AddBackup records a completed backup. An entry with the same ID is replaced.
// Incrementals must name an existing full backup as their base.
func (m *Manager) AddBackup(req AddBackupRequest) (*Chain, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}

	if req.Type == TypeIncremental {
		if err := checkBase(c, req); err != nil {
			return nil, err
		}
	}

	if existing, i := c.Find(req.BackupID); existing != nil {
		if existing.Type == TypeFull && req.Type != TypeFull {
			if deps := c.Dependents(existing.ID); len(deps) > 0 {
				return nil, &DependentsError{BackupID: existing.ID, Count: len(deps)}
			}
		}
		m.logger.Warn("replacing existing backup entry", "subject", m.subject, "backup_id", req.BackupID)
		c.Backups = append(c.Backups[:i], c.Backups[i+1:]...)
	}

	entry := newEntry(req)
	if entry.Type == TypeIncremental {
		if prev := previousIncremental(c, entry); prev != nil {
			entry.Incremental.PreviousIncrementalID = prev.ID
		}
	}

	c.Backups = append(c.Backups, entry)
	c.normalize()

	ts := entry.Timestamp
	if c.LastBackupAt == nil || ts.After(*c.LastBackupAt) {
		c.LastBackupAt = &ts
	}
	if entry.Type == TypeFull && (c.LastFullBackupAt == nil || ts.After(*c.LastFullBackupAt)) {
		c.LastFullBackupAt = &ts
	}
	if req.ChangeToken != "" {
		c.CurrentChangeToken = req.ChangeToken
		if req.ChangeToken != UnsetChangeToken {
			c.TrackingEnabled = true
		}
	}

	if err := m.store.Save(c); err != nil {
		return nil, err
	}

	m.logger.Info("backup added to chain",
		"subject", m.subject,
		"backup_id", entry.ID,
		"type", entry.Type,
		"size_bytes", entry.SizeBytes,
		"total_backups", c.TotalBackups)
	return c, nil
}

func checkBase(c *Chain, req AddBackupRequest) error {
	if req.BaseBackupID == req.BackupID {
		return fmt.Errorf("%w: %s names itself as base", ErrInvalidBackup, req.BackupID)
	}
	base, _ := c.Find(req.BaseBackupID)
	if base == nil {
		return fmt.Errorf("%w: %s (base of %s)", ErrBaseNotFound, req.BaseBackupID, req.BackupID)
	}
	if base.Type != TypeFull {
		return fmt.Errorf("%w: base %s of %s is not a full backup", ErrBaseNotFound, base.ID, req.BackupID)
	}
	return nil
}

func newEntry(req AddBackupRequest) *BackupEntry {
	entry := &BackupEntry{
		ID:                req.BackupID,
		Type:              req.Type,
		Mode:              req.Mode,
		Timestamp:         req.Timestamp.UTC(),
		SizeBytes:         req.SizeBytes,
		Status:            StatusCompleted,
		IntegrityVerified: req.IntegrityVerified,
		Files:             append([]string{}, req.Files...),
	}

	if req.Type == TypeFull {
		token := req.ChangeToken
		if token == "" {
			token = UnsetChangeToken
		}
		entry.Full = &FullInfo{ChangeToken: token}
		return entry
	}

	entry.Incremental = &IncrementalInfo{
		BaseBackupID:      req.BaseBackupID,
		ChangeToken:       req.ChangeToken,
		ChangedBlockCount: req.ChangedBlockCount,
	}
	return entry
}

// previousIncremental returns the latest other incremental on the same base
// that is not newer than entry. c.Backups must be sorted.
func previousIncremental(c *Chain, entry *BackupEntry) *BackupEntry {
	var prev *BackupEntry
	for _, b := range c.Backups {
		if b.Type != TypeIncremental || b.ID == entry.ID || b.BaseBackupID() != entry.BaseBackupID() {
			continue
		}
		if b.Timestamp.After(entry.Timestamp) {
			break
		}
		prev = b
	}
	return prev
}

// GetBackup returns the entry with id, or nil if the chain has no such entry.
func (m *Manager) GetBackup(id string) (*BackupEntry, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}
	b, _ := c.Find(id)
	return b, nil
}

// GetLatestFullBackup returns the completed full backup with the greatest
// timestamp, or nil. Among equal timestamps the one recorded last wins.
func (m *Manager) GetLatestFullBackup() (*BackupEntry, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}
	return latestFull(c), nil
}

func latestFull(c *Chain) *BackupEntry {
	var latest *BackupEntry
	for _, b := range c.Backups {
		if b.Type != TypeFull || !b.Completed() {
			continue
		}
		if latest == nil || !b.Timestamp.Before(latest.Timestamp) {
			latest = b
		}
	}
	return latest
}

// GetIncrementalChain returns the completed incrementals built on baseID,
// oldest first.
func (m *Manager) GetIncrementalChain(baseID string) ([]*BackupEntry, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}
	return incrementalChain(c, baseID), nil
}

func incrementalChain(c *Chain, baseID string) []*BackupEntry {
	var incs []*BackupEntry
	for _, b := range c.Backups {
		if b.Type == TypeIncremental && b.Completed() && b.BaseBackupID() == baseID {
			incs = append(incs, b)
		}
	}
	sortByTimestamp(incs)
	return incs
}

// RemoveBackup deletes the chain entry with id. It reports false if there is
// no such entry. A full backup that incrementals still depend on is refused
// with a *DependentsError. The backup folder is not touched.
func (m *Manager) RemoveBackup(id string) (bool, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return false, err
	}

	b, i := c.Find(id)
	if b == nil {
		m.logger.Warn("backup not in chain", "subject", m.subject, "backup_id", id)
		return false, nil
	}
	if b.Type == TypeFull {
		if deps := c.Dependents(id); len(deps) > 0 {
			return false, &DependentsError{BackupID: id, Count: len(deps)}
		}
	}

	c.Backups = append(c.Backups[:i], c.Backups[i+1:]...)
	if err := m.store.Save(c); err != nil {
		return false, err
	}

	m.logger.Info("backup removed from chain", "subject", m.subject, "backup_id", id, "total_backups", c.TotalBackups)
	return true, nil
}

// SetIntegrityVerified records the outcome of an integrity check on an entry.
func (m *Manager) SetIntegrityVerified(id string, verified bool) error {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return err
	}
	b, _ := c.Find(id)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if b.IntegrityVerified == verified {
		return nil
	}
	b.IntegrityVerified = verified
	return m.store.Save(c)
}

// UpdatePolicy replaces the chain's retention policy.
func (m *Manager) UpdatePolicy(p RetentionPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	c, err := m.store.Load(m.subject)
	if err != nil {
		return err
	}
	c.RetentionPolicy = p
	if err := m.store.Save(c); err != nil {
		return err
	}
	m.logger.Info("retention policy updated", "subject", m.subject, "policy", p.String())
	return nil
}

// Statistics summarizes a chain.
type Statistics struct {
	Subject            string     `json:"subject"`
	TotalBackups       int        `json:"total_backups"`
	FullBackups        int        `json:"full_backups"`
	IncrementalBackups int        `json:"incremental_backups"`
	TotalSizeBytes     int64      `json:"total_size_bytes"`
	TotalSizeGB        float64    `json:"total_size_gb"`
	OldestBackup       *time.Time `json:"oldest_backup"`
	NewestBackup       *time.Time `json:"newest_backup"`
	LastFullBackup     *time.Time `json:"last_full_backup"`
}

// Statistics returns counts and sizes for the chain. Timestamps are nil for
// an empty chain.
func (m *Manager) Statistics() (*Statistics, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Subject:        m.subject,
		TotalBackups:   len(c.Backups),
		LastFullBackup: c.LastFullBackupAt,
	}
	for _, b := range c.Backups {
		switch b.Type {
		case TypeFull:
			stats.FullBackups++
		case TypeIncremental:
			stats.IncrementalBackups++
		}
		stats.TotalSizeBytes += b.SizeBytes

		ts := b.Timestamp
		if stats.OldestBackup == nil || ts.Before(*stats.OldestBackup) {
			stats.OldestBackup = &ts
		}
		if stats.NewestBackup == nil || ts.After(*stats.NewestBackup) {
			stats.NewestBackup = &ts
		}
	}
	stats.TotalSizeGB = BytesToGB(stats.TotalSizeBytes)
	return stats, nil
}

// BytesToGB converts bytes to GiB rounded to two decimals.
func BytesToGB(b int64) float64 {
	return math.Round(float64(b)/(1<<30)*100) / 100
}

// ValidationResult lists what is wrong with a chain. Valid is true when
// Errors is empty; warnings do not invalidate.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidateChainIntegrity checks the dependency structure of the chain and that
// every entry's backup folder exists in storage.
func (m *Manager) ValidateChainIntegrity() (*ValidationResult, error) {
	c, err := m.store.Load(m.subject)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Errors: []string{}, Warnings: []string{}}

	for _, b := range c.Backups {
		if b.Type != TypeIncremental {
			continue
		}
		baseID := b.BaseBackupID()
		if baseID == "" {
			result.errorf("incremental backup %s has no base_backup_id", b.ID)
			continue
		}
		base, _ := c.Find(baseID)
		switch {
		case base == nil:
			result.errorf("base backup %s not found for incremental %s", baseID, b.ID)
		case base.Type != TypeFull:
			result.errorf("base backup %s of incremental %s is not a full backup", baseID, b.ID)
		case !base.Completed():
			result.warnf("base backup %s of incremental %s has status %s", baseID, b.ID, base.Status)
		}

		if prevID := b.Incremental.PreviousIncrementalID; prevID != "" {
			if prev, _ := c.Find(prevID); prev == nil {
				result.warnf("previous incremental %s of %s is no longer in the chain", prevID, b.ID)
			}
		}
	}

	for _, b := range c.Backups {
		folder := BackupFolder(m.subject, b.ID)
		exists, err := m.storage.Exists(folder)
		if err != nil {
			result.errorf("checking backup folder %s: %v", folder, err)
			continue
		}
		if !exists {
			result.errorf("backup folder %s not found", folder)
		}
	}

	if c.TotalBackups != len(c.Backups) {
		result.warnf("total_backups is %d but the chain holds %d entries", c.TotalBackups, len(c.Backups))
	}

	result.Valid = len(result.Errors) == 0
	m.logger.Info("chain validated",
		"subject", m.subject,
		"valid", result.Valid,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings))
	return result, nil
}
