package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// RestartMessage is recorded on jobs whose run did not survive a restart.
const RestartMessage = "interrupted by restart"

// RecoveryReport counts what Recover did.
type RecoveryReport struct {
	Redispatched int
	Failed       int
	Reopened     int
}

// Recover runs at startup. Pending jobs are dispatched again. Downloading and
// processing jobs untouched for staleAfter lost their run and are failed.
// Stale uploading jobs go back to waiting_approval so the decision can be
// repeated.
func Recover(ctx context.Context, s store.Store, d Dispatcher, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	now := time.Now().UTC()

	pending, err := s.ListJobsByStatus(ctx, []string{models.JobStatusPending}, now)
	if err != nil {
		return report, fmt.Errorf("listing pending jobs: %w", err)
	}
	for _, job := range pending {
		if err := d.Dispatch(ctx, job.ID); err != nil {
			return report, fmt.Errorf("redispatching job %s: %w", job.ID, err)
		}
		report.Redispatched++
	}

	cutoff := now.Add(-staleAfter)
	running, err := s.ListJobsByStatus(ctx, []string{models.JobStatusDownloading, models.JobStatusProcessing}, cutoff)
	if err != nil {
		return report, fmt.Errorf("listing stale jobs: %w", err)
	}
	for _, job := range running {
		changed, err := s.FailJob(ctx, job.ID, RestartMessage)
		if err != nil {
			return report, fmt.Errorf("failing stale job %s: %w", job.ID, err)
		}
		if changed {
			report.Failed++
		}
	}

	uploading, err := s.ListJobsByStatus(ctx, []string{models.JobStatusUploading}, cutoff)
	if err != nil {
		return report, fmt.Errorf("listing stale uploads: %w", err)
	}
	for _, job := range uploading {
		completed, err := s.CompleteJobIfResolved(ctx, job.ID)
		if err != nil {
			return report, fmt.Errorf("resolving stale upload %s: %w", job.ID, err)
		}
		if !completed {
			report.Reopened++
		}
	}

	if report != (RecoveryReport{}) {
		slog.Info("recovered jobs", "redispatched", report.Redispatched, "failed", report.Failed, "reopened", report.Reopened)
	}
	return report, nil
}
