package dubbing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

const (
	maxStatsDays     = 365
	topLanguageCount = 10
	topErrorCount    = 5
)

// CountEntry is one row of a ranked count.
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// JobStats summarizes a user's jobs over a window.
type JobStats struct {
	Days                    int            `json:"days,omitempty"`
	TotalJobs               int            `json:"total_jobs"`
	ByStatus                map[string]int `json:"by_status"`
	ActiveJobs              int            `json:"active_jobs"`
	SuccessRate             float64        `json:"success_rate"`
	FailureRate             float64        `json:"failure_rate"`
	AvgProcessingMinutes    float64        `json:"avg_processing_minutes"`
	FastestMinutes          float64        `json:"fastest_minutes"`
	SlowestMinutes          float64        `json:"slowest_minutes"`
	TotalLanguagesProcessed int            `json:"total_languages_processed"`
	Languages               []CountEntry   `json:"languages"`
	CommonErrors            []CountEntry   `json:"common_errors"`
	VideosByStatus          map[string]int `json:"videos_by_status"`
}

// JobStats rolls up the caller's jobs created in the last days days. days of
// zero covers every job.
func (s *Service) JobStats(ctx context.Context, userID uuid.UUID, days int) (*JobStats, error) {
	if days < 0 || days > maxStatsDays {
		return nil, &ValidationError{Field: "days", Message: fmt.Sprintf("must be between 0 and %d", maxStatsDays)}
	}
	var since time.Time
	if days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -days)
	}

	agg, err := s.store.JobAggregates(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating jobs: %w", err)
	}

	stats := &JobStats{
		Days:           days,
		TotalJobs:      agg.Total,
		ByStatus:       agg.ByStatus,
		VideosByStatus: agg.VideosByStatus,
		Languages:      ranked(agg.Languages, topLanguageCount),
		CommonErrors:   ranked(agg.Errors, topErrorCount),
	}
	for status, n := range agg.ByStatus {
		if !models.IsTerminalJobStatus(status) {
			stats.ActiveJobs += n
		}
	}
	for _, n := range agg.Languages {
		stats.TotalLanguagesProcessed += n
	}

	completed := agg.ByStatus[models.JobStatusCompleted]
	failed := agg.ByStatus[models.JobStatusFailed]
	if completed+failed > 0 {
		stats.SuccessRate = round2(float64(completed) / float64(completed+failed) * 100)
	}
	if agg.Total > 0 {
		stats.FailureRate = round2(float64(failed) / float64(agg.Total) * 100)
	}
	if agg.Completed > 0 {
		stats.AvgProcessingMinutes = round2(agg.AvgSeconds / 60)
		stats.FastestMinutes = round2(agg.MinSeconds / 60)
		stats.SlowestMinutes = round2(agg.MaxSeconds / 60)
	}
	return stats, nil
}

// ranked orders counts by count descending, then key, and keeps the first limit.
func ranked(counts map[string]int, limit int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for k, n := range counts {
		out = append(out, CountEntry{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
