package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"chainvault/internal/chain"
)

// SubjectReport is the sweep outcome for one subject. Err is set when the
// subject could not be processed; the other fields hold whatever completed.
type SubjectReport struct {
	Subject      string                     `json:"subject"`
	Retention    *chain.RetentionResult     `json:"retention,omitempty"`
	Verification *chain.VerificationSummary `json:"verification,omitempty"`
	Validation   *chain.ValidationResult    `json:"validation,omitempty"`
	BrokenChains int                        `json:"broken_chains"`
	Err          string                     `json:"error,omitempty"`
}

// SweepReport summarizes a sweep over every subject.
type SweepReport struct {
	DryRun         bool             `json:"dry_run"`
	Subjects       []*SubjectReport `json:"subjects"`
	FailedSubjects int              `json:"failed_subjects"`
	BrokenChains   int              `json:"broken_chains"`
	InvalidBackups int              `json:"invalid_backups"`
	HealthScore    int              `json:"health_score"`
}

// HealthScore rates storage health from 0 to 100. A broken chain costs 15
// points and an invalid backup 5.
func HealthScore(brokenChains, invalidBackups int) int {
	score := 100 - 15*brokenChains - 5*invalidBackups
	return max(0, min(100, score))
}

// Sweep runs retention, verification and validation for every subject, with
// at most workers.max_parallel subjects in flight. A failing subject is
// recorded in its report and does not stop the others.
func (a *App) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	subjects, err := a.store.Subjects()
	if err != nil {
		return nil, err
	}
	if !dryRun {
		if err := a.persistOperation("", fmt.Sprintf("subjects=%d", len(subjects))); err != nil {
			return nil, err
		}
	}

	reports := make([]*SubjectReport, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers.MaxParallel)
	for i, subject := range subjects {
		reports[i] = &SubjectReport{Subject: subject}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				reports[i].Err = err.Error()
				return nil
			}
			a.sweepSubject(reports[i], dryRun)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &SweepReport{DryRun: dryRun, Subjects: reports}
	for _, r := range reports {
		if r.Err != "" {
			report.FailedSubjects++
		}
		report.BrokenChains += r.BrokenChains
		if r.Verification != nil {
			report.InvalidBackups += r.Verification.InvalidCount
		}
	}
	report.HealthScore = HealthScore(report.BrokenChains, report.InvalidBackups)
	if report.FailedSubjects > 0 {
		a.op.Fail(fmt.Errorf("%d subject(s) failed", report.FailedSubjects))
	}

	a.logger.Info("sweep finished",
		"subjects", len(reports),
		"failed", report.FailedSubjects,
		"broken_chains", report.BrokenChains,
		"invalid_backups", report.InvalidBackups,
		"health_score", report.HealthScore,
		"dry_run", dryRun)
	return report, ctx.Err()
}

func (a *App) sweepSubject(r *SubjectReport, dryRun bool) {
	fail := func(step string, err error) {
		r.Err = fmt.Sprintf("%s: %v", step, err)
		a.logger.Error("sweep failed for subject", "subject", r.Subject, "step", step, "error", err)
	}

	m, err := a.manager(r.Subject)
	if err != nil {
		fail("loading", err)
		return
	}

	retention, err := chain.NewRetentionManager(m).ApplyPolicy(nil, dryRun)
	if err != nil {
		fail("retention", err)
		return
	}
	r.Retention = retention
	a.metrics.Retention(retention)
	if retention.DeletedCount > 0 && !dryRun {
		a.touch(r.Subject)
	}

	summary, err := a.integrity(m).VerifyAllBackups()
	if err != nil {
		fail("verification", err)
		return
	}
	r.Verification = summary
	for _, v := range summary.Results {
		a.metrics.Verification(r.Subject, v)
	}

	validation, err := m.ValidateChainIntegrity()
	if err != nil {
		fail("validation", err)
		return
	}
	r.Validation = validation

	c, err := m.Load()
	if err != nil {
		fail("loading", err)
		return
	}
	r.BrokenChains = countBroken(c)
}

// countBroken counts incrementals whose base is missing or not a full backup.
func countBroken(c *chain.Chain) int {
	n := 0
	for _, b := range c.Backups {
		if b.Type != chain.TypeIncremental {
			continue
		}
		base, _ := c.Find(b.BaseBackupID())
		if base == nil || !base.IsBase() {
			n++
		}
	}
	return n
}
