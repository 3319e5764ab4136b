package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speech-stream/backend/internal/transcript"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(id string) *transcript.Transcript {
	return &transcript.Transcript{
		ID:        id,
		Status:    transcript.StatusQueued,
		AudioURL:  "https://example.com/" + id + ".mp3",
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	lang := "en"
	auth := "Bearer hook-secret"
	url := "https://hooks.example.com/done"
	rec := newRecord("job-1")
	rec.LanguageCode = &lang
	rec.SpeakerLabels = true
	rec.WebhookURL = &url
	rec.WebhookAuthHeader = &auth
	require.NoError(t, s.Create(rec))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, transcript.StatusQueued, got.Status)
	assert.True(t, got.SpeakerLabels)
	require.NotNil(t, got.LanguageCode)
	assert.Equal(t, "en", *got.LanguageCode)
	require.NotNil(t, got.WebhookAuthHeader)
	assert.Equal(t, auth, *got.WebhookAuthHeader)
	assert.Nil(t, got.Text)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateDuplicateID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(newRecord("dup")))
	assert.ErrorIs(t, s.Create(newRecord("dup")), ErrDuplicateID)
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProgressAndTerminal(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(newRecord("job-2")))

	processing := transcript.StatusProcessing
	p := 0.5
	require.NoError(t, s.Update("job-2", Patch{Status: &processing, Progress: &p}))

	got, err := s.Get("job-2")
	require.NoError(t, err)
	assert.Equal(t, transcript.StatusProcessing, got.Status)
	assert.Equal(t, 0.5, got.Progress)

	completed := transcript.StatusCompleted
	done := 1.0
	text := "hello world"
	conf := 0.87
	dur := int64(4200)
	lang := "en"
	now := time.Now().UTC()
	require.NoError(t, s.Update("job-2", Patch{
		Status:       &completed,
		Progress:     &done,
		Text:         &text,
		LanguageCode: &lang,
		Words: []transcript.Word{
			{Text: "hello", Start: 0, End: 500, Confidence: 0.9, Speaker: "A"},
			{Text: "world", Start: 600, End: 1100, Confidence: 0.84, Speaker: "A"},
		},
		Utterances: []transcript.Utterance{
			{Speaker: "A", Text: "hello world", Start: 0, End: 1100, Confidence: 0.87},
		},
		Confidence:        &conf,
		AudioDuration:     &dur,
		SpeakerEmbeddings: map[string][]float64{"A": {0.1, 0.2}},
		CompletedAt:       &now,
	}))

	got, err = s.Get("job-2")
	require.NoError(t, err)
	assert.Equal(t, transcript.StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.Text)
	assert.Equal(t, "hello world", *got.Text)
	require.Len(t, got.Words, 2)
	assert.Equal(t, "hello", got.Words[0].Text)
	require.Len(t, got.Utterances, 1)
	assert.Equal(t, "A", got.Utterances[0].Speaker)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.87, *got.Confidence, 1e-9)
	require.NotNil(t, got.AudioDuration)
	assert.Equal(t, int64(4200), *got.AudioDuration)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateMissingRow(t *testing.T) {
	s := openTestStore(t)
	p := 0.5
	assert.ErrorIs(t, s.Update("ghost", Patch{Progress: &p}), ErrNotFound)
}

func TestUpdateEmptyPatchIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Update("ghost", Patch{}))
}

func TestListPaginationAndFilter(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := newRecord([]string{"a", "b", "c", "d", "e"}[i])
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(rec))
	}
	errStatus := transcript.StatusError
	msg := "boom"
	require.NoError(t, s.Update("c", Patch{Status: &errStatus, Error: &msg}))

	// Newest first.
	items, total, err := s.List("", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "e", items[0].ID)
	assert.Equal(t, "d", items[1].ID)

	items, total, err = s.List("", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	items, total, err = s.List(transcript.StatusError, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].ID)
	require.NotNil(t, items[0].Error)
	assert.Equal(t, "boom", *items[0].Error)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(newRecord("gone")))

	deleted, err := s.Delete("gone")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete("gone")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}
