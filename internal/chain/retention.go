package chain

import (
	"fmt"
	"sort"
	"time"
)

// Reasons a retention candidate is kept.
const (
	ReasonRecentDependents = "base of a recent incremental"
	ReasonMonthly          = "first backup of its month"
	ReasonWeekly           = "first backup of its week"
	ReasonSurvivingDeps    = "base of a kept incremental"
)

// PreservedBackup is a retention candidate that was kept, and why.
type PreservedBackup struct {
	BackupID string `json:"backup_id"`
	Reason   string `json:"reason"`
}

// RetentionResult reports what a retention run deleted, or in a dry run what
// it would delete.
type RetentionResult struct {
	Subject      string            `json:"subject"`
	DryRun       bool              `json:"dry_run"`
	Policy       RetentionPolicy   `json:"policy"`
	DeletedCount int               `json:"deleted_count"`
	DeletedIDs   []string          `json:"deleted_ids"`
	KeptCount    int               `json:"kept_count"`
	FreedBytes   int64             `json:"freed_bytes"`
	Preserved    []PreservedBackup `json:"preserved"`
	Errors       []string          `json:"errors"`
}

// RetentionPreview is the dry-run view of a policy.
type RetentionPreview struct {
	Subject         string            `json:"subject"`
	Policy          RetentionPolicy   `json:"policy"`
	CurrentCount    int               `json:"current_count"`
	WillDelete      int               `json:"will_delete"`
	WillKeep        int               `json:"will_keep"`
	FreedGB         float64           `json:"freed_gb"`
	BackupsToDelete []string          `json:"backups_to_delete"`
	Preserved       []PreservedBackup `json:"preserved"`
}

// RetentionManager deletes backups that a retention policy no longer keeps.
type RetentionManager struct {
	manager *Manager
}

func NewRetentionManager(manager *Manager) *RetentionManager {
	return &RetentionManager{manager: manager}
}

// retentionPlan is the outcome of evaluating a policy against a chain.
type retentionPlan struct {
	// deletions are ordered newest first so incrementals go before their base.
	deletions []*BackupEntry
	preserved []PreservedBackup
}

// ApplyPolicy evaluates policy against the chain and deletes what it does not
// keep. A nil policy uses the chain's own. In a dry run nothing is deleted and
// the result lists exactly what would be.
func (r *RetentionManager) ApplyPolicy(policy *RetentionPolicy, dryRun bool) (*RetentionResult, error) {
	m := r.manager
	c, err := m.Load()
	if err != nil {
		return nil, err
	}

	effective := c.RetentionPolicy
	if policy != nil {
		effective = *policy
	}
	if err := ValidatePolicy(effective); err != nil {
		return nil, err
	}

	plan := planRetention(c, effective, m.clock.Now())
	result := &RetentionResult{
		Subject:    m.subject,
		DryRun:     dryRun,
		Policy:     effective,
		DeletedIDs: []string{},
		Preserved:  plan.preserved,
		Errors:     []string{},
	}

	if dryRun {
		for _, b := range plan.deletions {
			result.DeletedIDs = append(result.DeletedIDs, b.ID)
			result.FreedBytes += b.SizeBytes
		}
		result.DeletedCount = len(plan.deletions)
		result.KeptCount = len(c.Backups) - result.DeletedCount
		m.logger.Info("retention dry run",
			"subject", m.subject,
			"policy", effective.String(),
			"would_delete", result.DeletedCount,
			"would_free_bytes", result.FreedBytes)
		return result, nil
	}

	done := make(map[string]bool)
	for _, b := range plan.deletions {
		if b.Type == TypeFull {
			if dep := firstRemaining(c, b.ID, done); dep != "" {
				result.Errors = append(result.Errors, fmt.Sprintf("kept %s: dependent %s was not deleted", b.ID, dep))
				continue
			}
		}

		folder := BackupFolder(m.subject, b.ID)
		if err := m.storage.DeleteRecursive(folder); err != nil {
			m.logger.Error("deleting backup folder failed", "subject", m.subject, "backup_id", b.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("deleting folder of %s: %v", b.ID, err))
			continue
		}

		removed, err := m.RemoveBackup(b.ID)
		if err != nil {
			m.logger.Error("removing backup from chain failed", "subject", m.subject, "backup_id", b.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("removing %s from chain: %v", b.ID, err))
			continue
		}
		if !removed {
			result.Errors = append(result.Errors, fmt.Sprintf("backup %s was no longer in the chain", b.ID))
			continue
		}

		done[b.ID] = true
		result.DeletedIDs = append(result.DeletedIDs, b.ID)
		result.DeletedCount++
		result.FreedBytes += b.SizeBytes
	}
	result.KeptCount = len(c.Backups) - result.DeletedCount

	m.logger.Info("retention applied",
		"subject", m.subject,
		"policy", effective.String(),
		"deleted", result.DeletedCount,
		"kept", result.KeptCount,
		"freed_bytes", result.FreedBytes,
		"errors", len(result.Errors))
	return result, nil
}

// Preview reports what policy would delete now without deleting anything.
// A nil policy uses the chain's own.
func (r *RetentionManager) Preview(policy *RetentionPolicy) (*RetentionPreview, error) {
	res, err := r.ApplyPolicy(policy, true)
	if err != nil {
		return nil, err
	}
	return &RetentionPreview{
		Subject:         res.Subject,
		Policy:          res.Policy,
		CurrentCount:    res.DeletedCount + res.KeptCount,
		WillDelete:      res.DeletedCount,
		WillKeep:        res.KeptCount,
		FreedGB:         BytesToGB(res.FreedBytes),
		BackupsToDelete: res.DeletedIDs,
		Preserved:       res.Preserved,
	}, nil
}

// UpdateChainPolicy validates and stores a new policy on the chain.
func (r *RetentionManager) UpdateChainPolicy(p RetentionPolicy) error {
	return r.manager.UpdatePolicy(p)
}

// planRetention selects deletion candidates by the policy's primary rule and
// then keeps candidates that an override protects:
//   - a full backup with a dependent that is still recent,
//   - the first backup of each calendar month (KeepMonthly),
//   - the first backup of each ISO week (KeepWeekly),
//   - a full backup with any dependent that is not being deleted.
func planRetention(c *Chain, p RetentionPolicy, now time.Time) retentionPlan {
	entries := append([]*BackupEntry{}, c.Backups...)
	sortByTimestamp(entries)

	candidate := make(map[string]bool)
	cutoff := now.AddDate(0, 0, -p.Value)
	switch p.Type {
	case PolicyAgeDays:
		for _, b := range entries {
			if b.Timestamp.Before(cutoff) {
				candidate[b.ID] = true
			}
		}
	case PolicyCount:
		// entries beyond the newest Value are candidates.
		for i := 0; i < len(entries)-p.Value; i++ {
			candidate[entries[i].ID] = true
		}
	}

	firstOfMonth := firstPerBucket(entries, func(t time.Time) string {
		return t.UTC().Format("2006-01")
	})
	firstOfWeek := firstPerBucket(entries, func(t time.Time) string {
		year, week := t.UTC().ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	})

	var plan retentionPlan
	deleting := make(map[string]bool)
	for _, b := range entries {
		if !candidate[b.ID] {
			continue
		}
		reason := ""
		switch {
		case b.Type == TypeFull && hasRecentDependent(c, b.ID, candidate):
			reason = ReasonRecentDependents
		case p.KeepMonthly && firstOfMonth[b.ID]:
			reason = ReasonMonthly
		case p.KeepWeekly && firstOfWeek[b.ID]:
			reason = ReasonWeekly
		}
		if reason != "" {
			plan.preserved = append(plan.preserved, PreservedBackup{BackupID: b.ID, Reason: reason})
			continue
		}
		deleting[b.ID] = true
	}

	for _, b := range entries {
		if !deleting[b.ID] || b.Type != TypeFull {
			continue
		}
		for _, dep := range c.Dependents(b.ID) {
			if !deleting[dep.ID] {
				delete(deleting, b.ID)
				plan.preserved = append(plan.preserved, PreservedBackup{BackupID: b.ID, Reason: ReasonSurvivingDeps})
				break
			}
		}
	}

	for _, b := range entries {
		if deleting[b.ID] {
			plan.deletions = append(plan.deletions, b)
		}
	}
	sort.SliceStable(plan.deletions, func(i, j int) bool {
		a, b := plan.deletions[i], plan.deletions[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Type == TypeIncremental && b.Type == TypeFull
	})

	if plan.preserved == nil {
		plan.preserved = []PreservedBackup{}
	}
	return plan
}

// firstRemaining returns a dependent of baseID that has not been deleted yet.
func firstRemaining(c *Chain, baseID string, done map[string]bool) string {
	for _, dep := range c.Dependents(baseID) {
		if !done[dep.ID] {
			return dep.ID
		}
	}
	return ""
}

// hasRecentDependent reports whether any incremental on baseID is not itself
// a candidate. Under a count policy that means it is among the newest Value
// backups, whatever its age.
func hasRecentDependent(c *Chain, baseID string, candidate map[string]bool) bool {
	for _, dep := range c.Dependents(baseID) {
		if !candidate[dep.ID] {
			return true
		}
	}
	return false
}

// firstPerBucket marks the chronologically first entry of each bucket.
// entries must be sorted oldest first.
func firstPerBucket(entries []*BackupEntry, bucket func(time.Time) string) map[string]bool {
	seen := make(map[string]bool)
	first := make(map[string]bool)
	for _, b := range entries {
		key := bucket(b.Timestamp)
		if seen[key] {
			continue
		}
		seen[key] = true
		first[b.ID] = true
	}
	return first
}
