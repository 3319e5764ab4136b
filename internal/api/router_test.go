package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/config"
	"github.com/speech-stream/backend/internal/engine"
	"github.com/speech-stream/backend/internal/fetch"
	"github.com/speech-stream/backend/internal/job"
	"github.com/speech-stream/backend/internal/modelcache"
	"github.com/speech-stream/backend/internal/pipeline"
	"github.com/speech-stream/backend/internal/store"
	"github.com/speech-stream/backend/internal/transcript"
	"github.com/speech-stream/backend/internal/webhook"
)

const testAPIKey = "test-api-key"

type apiHandle struct{}

func (apiHandle) Release() {}

type apiEngine struct{}

func (apiEngine) LoadModel(ctx context.Context, cfg transcript.ModelConfig) (engine.Handle, error) {
	return apiHandle{}, nil
}

func (apiEngine) LoadAlignModel(ctx context.Context, language string) (engine.Handle, error) {
	return apiHandle{}, nil
}

func (apiEngine) LoadDiarizeModel(ctx context.Context, modelName string) (engine.Handle, error) {
	return apiHandle{}, nil
}

func (apiEngine) DecodeAudio(ctx context.Context, path string) (*engine.Audio, error) {
	return &engine.Audio{Path: path}, nil
}

func (apiEngine) Transcribe(ctx context.Context, h engine.Handle, audio *engine.Audio, req engine.TranscribeRequest) (*engine.TranscribeOutput, error) {
	return &engine.TranscribeOutput{
		Language: "en",
		Segments: []engine.Segment{
			{
				Text: "hello world", Start: 0, End: 1.5,
				Words: []engine.WordMark{
					{Word: "hello", Start: 0, End: 0.5, Score: 0.9},
					{Word: "world", Start: 0.6, End: 1.5, Score: 0.8},
				},
			},
		},
	}, nil
}

func (apiEngine) Align(ctx context.Context, h engine.Handle, audio *engine.Audio, segments []engine.Segment, req engine.AlignRequest) ([]engine.Segment, error) {
	return segments, nil
}

func (apiEngine) Diarize(ctx context.Context, h engine.Handle, audio *engine.Audio, req engine.DiarizeRequest) (*engine.DiarizeOutput, error) {
	return &engine.DiarizeOutput{}, nil
}

type apiFixture struct {
	router http.Handler
	store  *store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := apiEngine{}
	cache := modelcache.New(eng, transcript.DefaultModelConfig("large-v3-turbo", "float16"), logger)
	orch := pipeline.New(eng, cache, 16, "", logger)
	manager := job.NewManager(st, orch, fetch.NewFetcher(5*time.Second, logger), webhook.NewNotifier(st, logger), 1, logger)
	t.Cleanup(manager.Stop)

	cfg := &config.Config{
		APIKey:      testAPIKey,
		MaxUploadMB: 1,
		CORSOrigins: []string{"*"},
	}
	return &apiFixture{router: NewRouter(cfg, manager, cache, logger), store: st}
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func multipartUpload(t *testing.T, fileName string, audio []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (f *apiFixture) submitAndWait(t *testing.T, fields map[string]string) transcript.Transcript {
	t.Helper()
	body, contentType := multipartUpload(t, "clip.mp3", []byte("fake audio"), fields)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/transcript", body))
	req.Header.Set("Content-Type", contentType)
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created transcript.Transcript
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	var final transcript.Transcript
	require.Eventually(t, func() bool {
		rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript/"+created.ID, nil)))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &final); err != nil {
			return false
		}
		return final.Status == transcript.StatusCompleted || final.Status == transcript.StatusError
	}, 5*time.Second, 10*time.Millisecond)
	return final
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/transcript", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/transcript", nil)
	req.Header.Set("Authorization", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, req).Code)

	// Raw key without the Bearer prefix is accepted.
	req = httptest.NewRequest(http.MethodGet, "/v1/transcript", nil)
	req.Header.Set("Authorization", testAPIKey)
	assert.Equal(t, http.StatusOK, f.do(t, req).Code)
}

func TestHealthOpen(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitUploadLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	final := f.submitAndWait(t, map[string]string{"language_code": "en"})
	assert.Equal(t, transcript.StatusCompleted, final.Status)
	assert.Equal(t, "file://clip.mp3", final.AudioURL)
	require.NotNil(t, final.Text)
	assert.Equal(t, "hello world", *final.Text)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.LanguageCode)
	assert.Equal(t, "en", *final.LanguageCode)
}

func TestSubmitMissingAudio(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartUpload(t, "", nil, map[string]string{"language_code": "en"})
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/transcript", body))
	req.Header.Set("Content-Type", contentType)
	rec := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "audio_url")
}

func TestSubmitBlockedURL(t *testing.T) {
	f := newAPIFixture(t)

	form := strings.NewReader("audio_url=" + "http%3A%2F%2F169.254.169.254%2Flatest")
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/transcript", form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "blocked host")
}

func TestSubmitUploadTooLarge(t *testing.T) {
	f := newAPIFixture(t)

	big := bytes.Repeat([]byte("x"), 2<<20) // 2 MiB against a 1 MiB cap
	body, contentType := multipartUpload(t, "big.mp3", big, nil)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/transcript", body))
	req.Header.Set("Content-Type", contentType)
	rec := f.do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript/nope", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPagination(t *testing.T) {
	f := newAPIFixture(t)
	f.submitAndWait(t, nil)
	f.submitAndWait(t, nil)
	f.submitAndWait(t, nil)

	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript?limit=2&offset=0", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transcripts []transcript.Transcript `json:"transcripts"`
		Pagination  struct {
			Total  int `json:"total"`
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Transcripts, 2)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.Limit)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript?status=completed", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Pagination.Total)
}

func TestDelete(t *testing.T) {
	f := newAPIFixture(t)
	final := f.submitAndWait(t, nil)

	rec := f.do(t, authed(httptest.NewRequest(http.MethodDelete, "/v1/transcript/"+final.ID, nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted"`)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript/"+final.ID, nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, authed(httptest.NewRequest(http.MethodDelete, "/v1/transcript/"+final.ID, nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExports(t *testing.T) {
	f := newAPIFixture(t)
	final := f.submitAndWait(t, nil)
	require.Equal(t, transcript.StatusCompleted, final.Status)

	get := func(format string) *httptest.ResponseRecorder {
		return f.do(t, authed(httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/v1/transcript/%s/%s", final.ID, format), nil)))
	}

	rec := get("srt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "00:00:00,000 --> 00:00:01,500")
	assert.Contains(t, rec.Body.String(), "hello world")

	rec = get("vtt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "WEBVTT"))

	rec = get("txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())

	rec = get("tsv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "start\tend\tspeaker\ttext")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".tsv")

	rec = get("words")
	require.Equal(t, http.StatusOK, rec.Code)
	var words map[string][]transcript.Word
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &words))
	assert.Len(t, words["words"], 2)

	rec = get("json")
	require.Equal(t, http.StatusOK, rec.Code)
	var full transcript.Transcript
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	assert.Equal(t, final.ID, full.ID)

	rec = get("docx")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportNotReady(t *testing.T) {
	f := newAPIFixture(t)

	// A record still queued has no exportable result.
	require.NoError(t, f.store.Create(&transcript.Transcript{
		ID:        "queued-job",
		Status:    transcript.StatusQueued,
		AudioURL:  "file://a.mp3",
		CreatedAt: time.Now().UTC(),
	}))

	rec := f.do(t, authed(httptest.NewRequest(http.MethodGet, "/v1/transcript/queued-job/srt", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyWithoutModel(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	// Either the GPU is absent in the test environment or the default model
	// is not resident; both report unavailable.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
