// Package sim provides a simulated pipeline that exercises every stage without
// calling external services. Each step waits StepDelay so progress events are
// observable by clients.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
)

// Pipeline implements every pipeline capability with canned media.
type Pipeline struct {
	StepDelay time.Duration

	mu    sync.Mutex
	tasks map[string]int
}

// New returns a simulated pipeline.
func New(stepDelay time.Duration) *Pipeline {
	return &Pipeline{StepDelay: stepDelay, tasks: make(map[string]int)}
}

// Provider bundles the pipeline as a pipeline.Provider.
func (p *Pipeline) Provider() *pipeline.Provider {
	interval := p.StepDelay
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	poll := pipeline.PollPolicy{Interval: interval, Timeout: 10*interval + time.Minute}
	return &pipeline.Provider{
		Name:        "simulated",
		Source:      p,
		Translator:  p,
		LipSyncer:   p,
		Publisher:   p,
		DubPoll:     poll,
		LipSyncPoll: poll,
	}
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newTask registers a task that reports done after one pending poll.
func (p *Pipeline) newTask(prefix string) string {
	id := prefix + "-" + uuid.NewString()
	p.mu.Lock()
	p.tasks[id] = 1
	p.mu.Unlock()
	return id
}

func (p *Pipeline) advance(id string) (pipeline.TaskState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	left, ok := p.tasks[id]
	if !ok {
		return "", false
	}
	if left > 0 {
		p.tasks[id] = left - 1
		return pipeline.TaskPending, true
	}
	return pipeline.TaskDone, true
}

func media(body, filename, contentType string) *pipeline.Media {
	return &pipeline.Media{
		Body:        io.NopCloser(strings.NewReader(body)),
		Filename:    filename,
		ContentType: contentType,
	}
}

func (p *Pipeline) Fetch(ctx context.Context, sourceVideoID string) (*pipeline.Media, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return media("simulated source "+sourceVideoID, "source.mp4", "video/mp4"), nil
}

func (p *Pipeline) Submit(ctx context.Context, sourceURL, targetLang string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	return p.newTask("sim-dub-" + targetLang), nil
}

func (p *Pipeline) PollStatus(ctx context.Context, taskID string) (pipeline.TaskStatus, error) {
	state, ok := p.advance(taskID)
	if !ok {
		return pipeline.TaskStatus{}, fmt.Errorf("%w: unknown task %s", pipeline.ErrTaskFailed, taskID)
	}
	return pipeline.TaskStatus{State: state}, nil
}

func (p *Pipeline) FetchAudio(ctx context.Context, taskID, targetLang string) (*pipeline.Media, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return media("simulated audio "+targetLang, targetLang+".mp3", "audio/mpeg"), nil
}

func (p *Pipeline) Discard(ctx context.Context, taskID string) error {
	p.mu.Lock()
	delete(p.tasks, taskID)
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) Generate(ctx context.Context, videoURL, audioURL string) (pipeline.Generation, error) {
	if err := p.wait(ctx); err != nil {
		return pipeline.Generation{}, err
	}
	return pipeline.Generation{ID: p.newTask("sim-sync"), State: pipeline.TaskPending}, nil
}

func (p *Pipeline) Generation(ctx context.Context, id string) (pipeline.Generation, error) {
	state, ok := p.advance(id)
	if !ok {
		return pipeline.Generation{}, fmt.Errorf("%w: unknown generation %s", pipeline.ErrTaskFailed, id)
	}
	gen := pipeline.Generation{ID: id, State: state}
	if state == pipeline.TaskDone {
		gen.OutputURL = "sim://" + id + ".mp4"
	}
	return gen, nil
}

func (p *Pipeline) Download(ctx context.Context, gen pipeline.Generation) (*pipeline.Media, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.Discard(ctx, gen.ID)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "simulated lip-synced video %s", gen.ID)
	return &pipeline.Media{Body: io.NopCloser(&buf), Filename: gen.ID + ".mp4", ContentType: "video/mp4"}, nil
}

func (p *Pipeline) Publish(ctx context.Context, req pipeline.PublishRequest) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	if req.PlatformVideoID != "" {
		return req.PlatformVideoID, nil
	}
	return "sim-" + req.LanguageCode + "-" + req.VideoID.String()[:8], nil
}

var (
	_ pipeline.SourceFetcher = (*Pipeline)(nil)
	_ pipeline.Translator    = (*Pipeline)(nil)
	_ pipeline.LipSyncer     = (*Pipeline)(nil)
	_ pipeline.Publisher     = (*Pipeline)(nil)
)
