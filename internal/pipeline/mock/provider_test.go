package mock_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Defaults(t *testing.T) {
	p := mock.NewProvider()
	ctx := context.Background()

	src, err := p.Source.Fetch(ctx, "vid")
	require.NoError(t, err)
	data, _ := io.ReadAll(src.Body)
	assert.Equal(t, "source-vid", string(data))

	id, err := p.Translator.Submit(ctx, "http://src", "fr")
	require.NoError(t, err)
	assert.Equal(t, "dub-fr", id)

	status, err := p.Translator.PollStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskDone, status.State)

	gen, err := p.LipSyncer.Generate(ctx, "v", "a")
	require.NoError(t, err)
	gen, err = p.LipSyncer.Generation(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskDone, gen.State)

	platformID, err := p.Publisher.Publish(ctx, pipeline.PublishRequest{VideoID: uuid.New(), LanguageCode: "fr"})
	require.NoError(t, err)
	assert.Equal(t, "platform-fr", platformID)
}

func TestTranslator_Override(t *testing.T) {
	boom := errors.New("boom")
	tr := &mock.Translator{
		SubmitFunc: func(context.Context, string, string) (string, error) { return "", boom },
	}

	_, err := tr.Submit(context.Background(), "u", "de")
	assert.ErrorIs(t, err, boom)

	require.NoError(t, tr.Discard(context.Background(), "t1"))
	assert.Equal(t, []string{"t1"}, tr.Discarded)
}

func TestPublisher_RecordsCalls(t *testing.T) {
	pub := &mock.Publisher{}
	_, _ = pub.Publish(context.Background(), pipeline.PublishRequest{LanguageCode: "es"})
	_, _ = pub.Publish(context.Background(), pipeline.PublishRequest{LanguageCode: "de"})

	calls := pub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "es", calls[0].LanguageCode)
	assert.Equal(t, "de", calls[1].LanguageCode)
}
