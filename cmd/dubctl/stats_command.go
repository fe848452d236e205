package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

type countEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type jobStats struct {
	Days                    int            `json:"days"`
	TotalJobs               int            `json:"total_jobs"`
	ByStatus                map[string]int `json:"by_status"`
	ActiveJobs              int            `json:"active_jobs"`
	SuccessRate             float64        `json:"success_rate"`
	FailureRate             float64        `json:"failure_rate"`
	AvgProcessingMinutes    float64        `json:"avg_processing_minutes"`
	FastestMinutes          float64        `json:"fastest_minutes"`
	SlowestMinutes          float64        `json:"slowest_minutes"`
	TotalLanguagesProcessed int            `json:"total_languages_processed"`
	Languages               []countEntry   `json:"languages"`
	CommonErrors            []countEntry   `json:"common_errors"`
	VideosByStatus          map[string]int `json:"videos_by_status"`
}

func newJobsStatsCommand(opts *options) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize your jobs over a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var stats jobStats
			raw, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/stats?days="+strconv.Itoa(days), nil, &stats)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}

			out := cmd.OutOrStdout()
			window := "all time"
			if stats.Days > 0 {
				window = fmt.Sprintf("last %d days", stats.Days)
			}
			fmt.Fprintf(out, "Jobs (%s): %d total, %d active\n", window, stats.TotalJobs, stats.ActiveJobs)
			if stats.TotalJobs == 0 {
				return nil
			}
			fmt.Fprintf(out, "  Success:  %.2f%%   Failure: %.2f%%\n", stats.SuccessRate, stats.FailureRate)
			fmt.Fprintf(out, "  Minutes:  avg %.2f, fastest %.2f, slowest %.2f\n",
				stats.AvgProcessingMinutes, stats.FastestMinutes, stats.SlowestMinutes)
			fmt.Fprintf(out, "  Languages processed: %d\n", stats.TotalLanguagesProcessed)

			fmt.Fprint(out, renderTable([]string{"Status", "Jobs"}, countRows(stats.ByStatus), []columnAlignment{alignLeft, alignRight}))
			if len(stats.Languages) > 0 {
				fmt.Fprint(out, renderTable([]string{"Language", "Jobs"}, entryRows(stats.Languages), []columnAlignment{alignLeft, alignRight}))
			}
			if len(stats.CommonErrors) > 0 {
				fmt.Fprint(out, renderTable([]string{"Error", "Jobs"}, entryRows(stats.CommonErrors), []columnAlignment{alignLeft, alignRight}))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Window in days; 0 covers every job")

	return cmd
}

// countRows renders a count map sorted by key.
func countRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return rows
}

func entryRows(entries []countEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Key, strconv.Itoa(e.Count)})
	}
	return rows
}
