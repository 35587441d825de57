package app

import (
	"errors"
	"fmt"

	"chainvault/internal/chain"
	"chainvault/internal/inbox"
)

// BackupReport is the outcome of recording one completed backup. Only the
// chain mutation is required to succeed; manifest, verification and
// retention failures are listed in Errors.
type BackupReport struct {
	Subject      string                    `json:"subject"`
	BackupID     string                    `json:"backup_id"`
	Chain        *chain.Chain              `json:"-"`
	Manifest     *chain.Manifest           `json:"manifest,omitempty"`
	Verification *chain.VerificationResult `json:"verification,omitempty"`
	Retention    *chain.RetentionResult    `json:"retention,omitempty"`
	Errors       []string                  `json:"errors"`
}

func (r *BackupReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// RecordBackup runs the completion pipeline for a backup the execution engine
// finished: add it to the chain, write its manifest, verify the folder against
// it, record the outcome and apply the chain's retention policy.
func (a *App) RecordBackup(subject string, req chain.AddBackupRequest) (*BackupReport, error) {
	c, err := a.AddBackup(subject, req)
	if err != nil {
		return nil, err
	}
	report := &BackupReport{Subject: subject, BackupID: req.BackupID, Chain: c, Errors: []string{}}

	m, err := a.manager(subject)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	ic := a.integrity(m)

	manifest, err := ic.CreateManifestForBackup(req.BackupID)
	if err != nil {
		a.logger.Error("manifest creation failed", "subject", subject, "backup_id", req.BackupID, "error", err)
		report.errorf("creating manifest: %v", err)
	} else {
		report.Manifest = manifest
		result := ic.VerifyBackupIntegrity(req.BackupID)
		report.Verification = result
		a.metrics.Verification(subject, result)
		if err := m.SetIntegrityVerified(req.BackupID, result.Valid); err != nil {
			a.logger.Error("recording verification failed", "subject", subject, "backup_id", req.BackupID, "error", err)
			report.errorf("recording verification: %v", err)
		}
	}

	retention, err := chain.NewRetentionManager(m).ApplyPolicy(nil, false)
	if err != nil {
		a.logger.Error("retention failed", "subject", subject, "error", err)
		report.errorf("applying retention: %v", err)
	} else {
		report.Retention = retention
		a.metrics.Retention(retention)
		report.Errors = append(report.Errors, retention.Errors...)
	}

	if c, err := m.Load(); err == nil {
		report.Chain = c
	}
	return report, nil
}

// PushEvent queues a backup-completion event for DrainInbox.
func (a *App) PushEvent(subject string, req chain.AddBackupRequest) (*inbox.Event, error) {
	if err := a.persistOperation(subject, req.BackupID); err != nil {
		return nil, err
	}
	ev, err := a.inbox.Push(subject, req)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	return ev, nil
}

// DrainReport summarizes one DrainInbox run.
type DrainReport struct {
	Processed []*BackupReport `json:"processed"`
	Rejected  []string        `json:"rejected"`
	Remaining int             `json:"remaining"`
}

// DrainInbox records queued events one at a time in arrival order. Refused
// events are moved aside and the drain continues; any other failure stops it
// with the event still queued.
func (a *App) DrainInbox() (*DrainReport, error) {
	report := &DrainReport{Processed: []*BackupReport{}, Rejected: []string{}}

	for {
		var done *BackupReport
		ok, err := a.inbox.ProcessNext(func(ev *inbox.Event) error {
			r, err := a.RecordBackup(ev.Subject, ev.Backup)
			if err != nil {
				return err
			}
			done = r
			return nil
		})
		if !ok {
			if err != nil {
				return report, err
			}
			break
		}
		if errors.Is(err, inbox.ErrRejected) {
			a.logger.Error("inbox event rejected", "error", err)
			report.Rejected = append(report.Rejected, err.Error())
			continue
		}
		if err != nil {
			report.Remaining, _ = a.inbox.Count()
			return report, err
		}
		report.Processed = append(report.Processed, done)
	}

	remaining, err := a.inbox.Count()
	if err != nil {
		return report, err
	}
	report.Remaining = remaining
	return report, nil
}

// RejectedEvents lists events the inbox refused to process.
func (a *App) RejectedEvents() ([]*inbox.RejectedEvent, error) {
	return a.inbox.Rejected()
}
