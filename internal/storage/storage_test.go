package storage_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	user := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	job := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, "temp/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/", storage.TempPrefix(user, job))
	assert.Equal(t, "temp/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/source.mp4", storage.TempKey(user, job, "source.mp4"))
	assert.Equal(t, "videos/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/es/audio.mp3", storage.VideoKey(user, job, "es", "audio.mp3"))
	assert.Equal(t, "videos/11111111-1111-1111-1111-111111111111/22222222-2222-2222-2222-222222222222/", storage.JobPrefix(user, job))
}

func TestKeys_StripDirectories(t *testing.T) {
	user, job := uuid.New(), uuid.New()
	assert.Equal(t, storage.LanguagePrefix(user, job, "de")+"passwd", storage.VideoKey(user, job, "de", "../../etc/passwd"))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, storage.ValidateKey("videos/a/b/c.mp4"))
	assert.NoError(t, storage.ValidateKey("temp/a/"))

	for _, key := range []string{"", "/etc/passwd", "..", "../x", "a/../../x"} {
		assert.ErrorIs(t, storage.ValidateKey(key), storage.ErrInvalidKey, key)
	}
}
