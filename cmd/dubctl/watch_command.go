package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *options) *cobra.Command {
	var jobFlag string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live job and video updates",
		Long: "Follows the server event stream until interrupted. With --job only " +
			"that job's updates are printed and the command exits once it finishes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID uuid.UUID
			if jobFlag != "" {
				id, err := parseID(jobFlag)
				if err != nil {
					return err
				}
				jobID = id
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			return c.watch(cmd.Context(), jobID, func(ev models.Event, raw string) (bool, error) {
				out := cmd.OutOrStdout()
				if opts.json {
					_, err := fmt.Fprintln(out, raw)
					return false, err
				}
				if ev.Type == models.EventResync && jobID != uuid.Nil {
					// Updates were dropped; the terminal one may be among them.
					status, err := c.jobStatus(cmd.Context(), jobID)
					if err != nil {
						return false, err
					}
					ev = models.Event{Type: ev.Type, JobID: &jobID, Status: status}
				}
				_, err := fmt.Fprintln(out, formatEvent(ev))
				done := jobID != uuid.Nil && ev.Type != models.EventVideoUpdate && models.IsTerminalJobStatus(ev.Status)
				return done, err
			})
		},
	}

	cmd.Flags().StringVar(&jobFlag, "job", "", "Only show updates for this job")

	return cmd
}

// watch reads the event stream and calls fn for every event, filtered to
// jobID when set. It returns when fn reports done, the stream ends, or ctx
// is cancelled.
func (c *client) watch(ctx context.Context, jobID uuid.UUID, fn func(ev models.Event, raw string) (bool, error)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream is open-ended.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open event stream: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw := strings.TrimPrefix(line, "data: ")
		var ev models.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if jobID != uuid.Nil && ev.Type != models.EventResync && (ev.JobID == nil || *ev.JobID != jobID) {
			continue
		}
		done, err := fn(ev, raw)
		if err != nil || done {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return ctx.Err()
}

// jobStatus reads the job's current status.
func (c *client) jobStatus(ctx context.Context, jobID uuid.UUID) (string, error) {
	var snap struct {
		Status string `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+jobID.String()+"/status", nil, &snap); err != nil {
		return "", err
	}
	return snap.Status, nil
}

func formatEvent(ev models.Event) string {
	var b strings.Builder
	b.WriteString(time.Now().Format(time.TimeOnly))
	b.WriteString("  ")
	b.WriteString(ev.Type)
	if ev.JobID != nil {
		b.WriteString("  job=" + ev.JobID.String()[:8])
	}
	if lang, ok := ev.Data["language"].(string); ok {
		b.WriteString("  lang=" + lang)
	}
	if ev.Status != "" {
		b.WriteString("  status=" + ev.Status)
	}
	if ev.Progress != nil {
		fmt.Fprintf(&b, "  progress=%d%%", *ev.Progress)
	}
	if stage, ok := ev.Data["stage"].(string); ok && stage != "" {
		b.WriteString("  stage=" + stage)
	}
	if msg, ok := ev.Data["error"].(string); ok && msg != "" {
		b.WriteString("  error=" + msg)
	}
	return b.String()
}
