package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// BackupType distinguishes the two kinds of chain entries.
type BackupType string

const (
	TypeFull        BackupType = "full"
	TypeIncremental BackupType = "incremental"
)

// Mode is the capture method the execution engine used for a backup.
type Mode string

const (
	ModeFullSnapshot Mode = "full-snapshot"
	ModeBlockDiff    Mode = "block-diff"
)

// Status is the terminal state of a backup as recorded in the chain.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// UnsetChangeToken marks a full backup taken without a change-tracking cursor.
const UnsetChangeToken = "*"

// FullInfo holds the fields that only exist on full backups.
type FullInfo struct {
	ChangeToken string
}

// IncrementalInfo holds the fields that only exist on incremental backups.
type IncrementalInfo struct {
	BaseBackupID          string
	ChangeToken           string
	ChangedBlockCount     int64
	PreviousIncrementalID string
}

// BackupEntry is one backup in a chain. Exactly one of Full or Incremental is
// set, matching Type.
type BackupEntry struct {
	ID                string
	Type              BackupType
	Mode              Mode
	Timestamp         time.Time
	SizeBytes         int64
	Status            Status
	IntegrityVerified bool
	Files             []string

	Full        *FullInfo
	Incremental *IncrementalInfo
}

// IsBase reports whether incrementals may depend on this entry.
func (e *BackupEntry) IsBase() bool {
	return e.Type == TypeFull
}

// BaseBackupID returns the base an incremental depends on, or "" for full backups.
func (e *BackupEntry) BaseBackupID() string {
	if e.Incremental == nil {
		return ""
	}
	return e.Incremental.BaseBackupID
}

// ChangeToken returns the change-tracking cursor recorded at this backup.
func (e *BackupEntry) ChangeToken() string {
	switch {
	case e.Full != nil:
		return e.Full.ChangeToken
	case e.Incremental != nil:
		return e.Incremental.ChangeToken
	}
	return ""
}

// Completed reports whether the entry finished successfully.
func (e *BackupEntry) Completed() bool {
	return e.Status == StatusCompleted
}

// entryDocument is the persisted, flat shape of a BackupEntry.
type entryDocument struct {
	ID                    string     `json:"id"`
	Type                  BackupType `json:"type"`
	Mode                  Mode       `json:"mode"`
	Timestamp             time.Time  `json:"timestamp"`
	SizeBytes             int64      `json:"size_bytes"`
	Status                Status     `json:"status"`
	IntegrityVerified     bool       `json:"integrity_verified"`
	Files                 []string   `json:"files"`
	IsBase                bool       `json:"is_base"`
	ChangeToken           string     `json:"change_token,omitempty"`
	BaseBackupID          string     `json:"base_backup_id,omitempty"`
	ChangedBlockCount     int64      `json:"changed_block_count,omitempty"`
	PreviousIncrementalID string     `json:"previous_incremental_id,omitempty"`
}

func (e *BackupEntry) MarshalJSON() ([]byte, error) {
	doc := entryDocument{
		ID:                e.ID,
		Type:              e.Type,
		Mode:              e.Mode,
		Timestamp:         e.Timestamp.UTC(),
		SizeBytes:         e.SizeBytes,
		Status:            e.Status,
		IntegrityVerified: e.IntegrityVerified,
		Files:             e.Files,
		IsBase:            e.IsBase(),
	}
	if doc.Files == nil {
		doc.Files = []string{}
	}
	switch {
	case e.Full != nil:
		doc.ChangeToken = e.Full.ChangeToken
	case e.Incremental != nil:
		doc.ChangeToken = e.Incremental.ChangeToken
		doc.BaseBackupID = e.Incremental.BaseBackupID
		doc.ChangedBlockCount = e.Incremental.ChangedBlockCount
		doc.PreviousIncrementalID = e.Incremental.PreviousIncrementalID
	}
	return json.Marshal(doc)
}

func (e *BackupEntry) UnmarshalJSON(data []byte) error {
	var doc entryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*e = BackupEntry{
		ID:                doc.ID,
		Type:              doc.Type,
		Mode:              doc.Mode,
		Timestamp:         doc.Timestamp,
		SizeBytes:         doc.SizeBytes,
		Status:            doc.Status,
		IntegrityVerified: doc.IntegrityVerified,
		Files:             doc.Files,
	}

	switch doc.Type {
	case TypeFull:
		token := doc.ChangeToken
		if token == "" {
			token = UnsetChangeToken
		}
		e.Full = &FullInfo{ChangeToken: token}
	case TypeIncremental:
		e.Incremental = &IncrementalInfo{
			BaseBackupID:          doc.BaseBackupID,
			ChangeToken:           doc.ChangeToken,
			ChangedBlockCount:     doc.ChangedBlockCount,
			PreviousIncrementalID: doc.PreviousIncrementalID,
		}
	default:
		return fmt.Errorf("backup %q has unknown type %q", doc.ID, doc.Type)
	}
	return nil
}

// PolicyType selects how retention candidates are chosen.
type PolicyType string

const (
	PolicyAgeDays PolicyType = "age-days"
	PolicyCount   PolicyType = "count"
)

// RetentionPolicy decides which backups a retention sweep may delete.
type RetentionPolicy struct {
	Type        PolicyType `json:"type" toml:"type" validate:"required,oneof=age-days count"`
	Value       int        `json:"value" toml:"value" validate:"min=1"`
	KeepMonthly bool       `json:"keep_monthly" toml:"keep_monthly"`
	KeepWeekly  bool       `json:"keep_weekly" toml:"keep_weekly"`
}

// DefaultRetentionPolicy keeps 30 days of backups plus the first backup of every month.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Type:        PolicyAgeDays,
		Value:       30,
		KeepMonthly: true,
	}
}

func (p RetentionPolicy) String() string {
	return fmt.Sprintf("%s=%d keep_monthly=%t keep_weekly=%t", p.Type, p.Value, p.KeepMonthly, p.KeepWeekly)
}

// Chain is the backup lineage of one subject. It is persisted as a single document.
type Chain struct {
	SubjectID          string          `json:"subject_id"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	CurrentChangeToken string          `json:"current_change_token"`
	TrackingEnabled    bool            `json:"tracking_enabled"`
	LastBackupAt       *time.Time      `json:"last_backup_at"`
	LastFullBackupAt   *time.Time      `json:"last_full_backup_at"`
	TotalBackups       int             `json:"total_backups"`
	Backups            []*BackupEntry  `json:"backups"`
	RetentionPolicy    RetentionPolicy `json:"retention_policy"`
}

// NewChain returns an empty chain for subject.
func NewChain(subject string, createdAt time.Time, policy RetentionPolicy) *Chain {
	return &Chain{
		SubjectID:          subject,
		CreatedAt:          createdAt.UTC(),
		CurrentChangeToken: UnsetChangeToken,
		Backups:            []*BackupEntry{},
		RetentionPolicy:    policy,
	}
}

// Find returns the entry with the given id and its index, or (nil, -1).
func (c *Chain) Find(id string) (*BackupEntry, int) {
	for i, b := range c.Backups {
		if b.ID == id {
			return b, i
		}
	}
	return nil, -1
}

// Dependents returns every incremental that names baseID as its base,
// regardless of status.
func (c *Chain) Dependents(baseID string) []*BackupEntry {
	var deps []*BackupEntry
	for _, b := range c.Backups {
		if b.Type == TypeIncremental && b.BaseBackupID() == baseID {
			deps = append(deps, b)
		}
	}
	return deps
}

// normalize restores the ordering and count invariants before persistence.
func (c *Chain) normalize() {
	if c.Backups == nil {
		c.Backups = []*BackupEntry{}
	}
	sortByTimestamp(c.Backups)
	c.TotalBackups = len(c.Backups)
}

// sortByTimestamp orders entries oldest first. Equal timestamps keep their
// relative order.
func sortByTimestamp(entries []*BackupEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// EncodeChain normalizes c and serializes it.
func EncodeChain(c *Chain) ([]byte, error) {
	c.normalize()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding chain %s: %w", c.SubjectID, err)
	}
	return data, nil
}

// DecodeChain parses a persisted chain document.
func DecodeChain(data []byte) (*Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding chain: %w", err)
	}
	if c.Backups == nil {
		c.Backups = []*BackupEntry{}
	}
	return &c, nil
}
