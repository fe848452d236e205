package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/spf13/cobra"
)

func newJobsCommand(opts *options) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit, inspect and decide on localization jobs",
	}

	jobsCmd.AddCommand(newJobsEnqueueCommand(opts))
	jobsCmd.AddCommand(newJobsListCommand(opts))
	jobsCmd.AddCommand(newJobsShowCommand(opts))
	jobsCmd.AddCommand(newJobsCancelCommand(opts))
	jobsCmd.AddCommand(newJobsDecideCommand(opts))
	jobsCmd.AddCommand(newJobsStatsCommand(opts))

	return jobsCmd
}

func newJobsEnqueueCommand(opts *options) *cobra.Command {
	var (
		videoID     string
		channelID   string
		title       string
		description string
		languages   []string
		simulate    bool
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a video for localization",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			body := map[string]any{
				"source_video_id":    videoID,
				"channel_id":         channelID,
				"source_title":       title,
				"source_description": description,
				"target_languages":   languages,
				"simulate":           simulate,
				"auto_approve":       autoApprove,
			}
			var job models.ProcessingJob
			raw, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/jobs", body, &job)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}
			mode := "live"
			if job.IsSimulation {
				mode = "simulated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s (%s, %s)\n", job.ID, strings.Join(job.TargetLanguages, ", "), mode)
			return nil
		},
	}

	cmd.Flags().StringVar(&videoID, "video", "", "Source video id")
	cmd.Flags().StringVar(&channelID, "channel", "", "Source channel id")
	cmd.Flags().StringVar(&title, "title", "", "Source title used for localized metadata")
	cmd.Flags().StringVar(&description, "description", "", "Source description used for localized metadata")
	cmd.Flags().StringSliceVarP(&languages, "lang", "l", nil, "Target language codes (repeatable or comma separated)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run through the simulated pipeline")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Publish every ready language without review")
	_ = cmd.MarkFlagRequired("video")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("lang")

	return cmd
}

func newJobsListCommand(opts *options) *cobra.Command {
	var (
		status string
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}

			var jobs []models.ProcessingJob
			raw, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &jobs)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Video", "Status", "Progress", "Stage", "Languages", "Created"},
				buildJobRows(jobs),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Jobs per page")

	return cmd
}

type decisionResult struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
	Failed  []struct {
		VideoID string `json:"video_id"`
		Error   string `json:"error"`
	} `json:"failed"`
	JobStatus string `json:"job_status"`
}

type jobDetail struct {
	Job    models.ProcessingJob     `json:"job"`
	Videos []*models.LocalizedVideo `json:"videos"`
}

func newJobsShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its localized videos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var detail jobDetail
			raw, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil, &detail)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}

			out := cmd.OutOrStdout()
			job := detail.Job
			fmt.Fprintf(out, "Job %s\n", job.ID)
			fmt.Fprintf(out, "  Status:   %s (%d%%, %s)\n", job.Status, job.Progress, orDash(job.CurrentStage))
			fmt.Fprintf(out, "  Source:   %s on %s\n", job.SourceVideoID, job.SourceChannelID)
			if job.ErrorMessage != nil && *job.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error:    %s\n", *job.ErrorMessage)
			}
			if len(detail.Videos) > 0 {
				fmt.Fprint(out, renderTable(
					[]string{"Video", "Language", "Status", "Channel", "Platform ID", "Error"},
					buildVideoRows(detail.Videos),
					nil,
				))
			}
			return nil
		},
	}
}

func newJobsCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			var result struct {
				Job     models.ProcessingJob `json:"job"`
				Changed bool                 `json:"changed"`
			}
			raw, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/cancel", nil, &result)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}
			if result.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", jobID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s already %s\n", jobID, result.Job.Status)
			}
			return nil
		},
	}
}

func newJobsDecideCommand(opts *options) *cobra.Command {
	var (
		action   string
		videoIDs []string
		langs    []string
	)

	cmd := &cobra.Command{
		Use:   "decide <job-id>",
		Short: "Approve, reject or draft localized videos awaiting review",
		Long: "Applies one decision to the selected videos. Without --video or --lang " +
			"every video still awaiting a decision is selected.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}

			ids := videoIDs
			if len(ids) == 0 {
				var detail jobDetail
				if _, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil, &detail); err != nil {
					return err
				}
				ids = selectUndecided(detail.Videos, langs)
				if len(ids) == 0 {
					return errors.New("no videos awaiting a decision")
				}
			}

			body := map[string]any{"video_ids": ids, "action": action}
			var result decisionResult
			raw, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/decisions", body, &result)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Applied %s to %d video(s), skipped %d; job is %s\n",
				action, len(result.Applied), len(result.Skipped), result.JobStatus)
			for _, f := range result.Failed {
				fmt.Fprintf(out, "  %s failed: %s\n", f.VideoID, f.Error)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d video(s) could not be published; retry the decision", len(result.Failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "approve", "Decision: approve, reject or draft")
	cmd.Flags().StringSliceVar(&videoIDs, "video", nil, "Video ids to decide on")
	cmd.Flags().StringSliceVarP(&langs, "lang", "l", nil, "Select undecided videos by language instead of id")

	return cmd
}

// selectUndecided returns the ids of videos still open for a decision,
// optionally limited to the given languages.
func selectUndecided(videos []*models.LocalizedVideo, langs []string) []string {
	wanted := make(map[string]bool, len(langs))
	for _, l := range langs {
		wanted[strings.ToLower(strings.TrimSpace(l))] = true
	}
	var ids []string
	for _, v := range videos {
		if v.Status != models.VideoStatusWaitingApproval && v.Status != models.VideoStatusDraft {
			continue
		}
		if len(wanted) > 0 && !wanted[strings.ToLower(v.LanguageCode)] {
			continue
		}
		ids = append(ids, v.ID.String())
	}
	return ids
}

func buildJobRows(jobs []models.ProcessingJob) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID.String(),
			j.SourceVideoID,
			j.Status,
			fmt.Sprintf("%d%%", j.Progress),
			orDash(j.CurrentStage),
			strings.Join(j.TargetLanguages, ","),
			j.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func buildVideoRows(videos []*models.LocalizedVideo) [][]string {
	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		rows = append(rows, []string{
			v.ID.String(),
			v.LanguageCode,
			v.Status,
			deref(v.ChannelID),
			deref(v.PlatformVideoID),
			deref(v.ErrorMessage),
		})
	}
	return rows
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
