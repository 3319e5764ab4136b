// Package job owns the transcript lifecycle: admission, queued persistence,
// asynchronous pipeline execution, terminal writes, and webhook fan-out.
package job

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/fetch"
	"github.com/speech-stream/backend/internal/pipeline"
	"github.com/speech-stream/backend/internal/store"
	"github.com/speech-stream/backend/internal/transcript"
	"github.com/speech-stream/backend/internal/webhook"
)

// ErrMissingAudio is returned when a submission carries neither an upload
// nor an audio URL.
var ErrMissingAudio = errors.New("either file or audio_url is required")

// SubmitRequest describes an admitted job. Exactly one of UploadPath or
// AudioURL must be set; UploadPath points at a temp file the manager takes
// ownership of.
type SubmitRequest struct {
	UploadPath string
	UploadName string
	AudioURL   string
	Options    transcript.Options
}

type task struct {
	id        string
	localPath string
	remoteURL string
	opts      transcript.Options
}

// Manager accepts jobs, runs them on a bounded worker pool, and writes each
// job's terminal state exactly once.
type Manager struct {
	store    *store.Store
	orch     *pipeline.Orchestrator
	fetcher  *fetch.Fetcher
	notifier *webhook.Notifier
	log      *zap.Logger

	pending chan task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates and starts a manager with the given number of workers.
func NewManager(st *store.Store, orch *pipeline.Orchestrator, fetcher *fetch.Fetcher, notifier *webhook.Notifier, workers int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    st,
		orch:     orch,
		fetcher:  fetcher,
		notifier: notifier,
		log:      logger,
		pending:  make(chan task, 100),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.failInterrupted()

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit validates the request, persists the queued record, and schedules
// pipeline execution outside the caller's critical path. The queued record
// is returned immediately.
func (m *Manager) Submit(req SubmitRequest) (*transcript.Transcript, error) {
	if req.UploadPath == "" && req.AudioURL == "" {
		return nil, ErrMissingAudio
	}

	audioURL := req.AudioURL
	if req.UploadPath != "" {
		name := req.UploadName
		if name == "" {
			name = "audio"
		}
		audioURL = "file://" + name
	} else {
		if err := fetch.ValidateURL(req.AudioURL); err != nil {
			return nil, err
		}
	}

	record := &transcript.Transcript{
		ID:            uuid.New().String(),
		Status:        transcript.StatusQueued,
		AudioURL:      audioURL,
		SpeakerLabels: req.Options.SpeakerLabels,
		Progress:      0.0,
		CreatedAt:     time.Now().UTC(),
	}
	if req.Options.Language != "" {
		lang := req.Options.Language
		record.LanguageCode = &lang
	}
	record.SpeakersExpected = req.Options.SpeakersExpected
	if req.Options.WebhookURL != "" {
		url := req.Options.WebhookURL
		record.WebhookURL = &url
	}
	if req.Options.WebhookAuthHeader != "" {
		hdr := req.Options.WebhookAuthHeader
		record.WebhookAuthHeader = &hdr
	}

	if err := m.store.Create(record); err != nil {
		return nil, err
	}

	t := task{
		id:        record.ID,
		localPath: req.UploadPath,
		opts:      req.Options,
	}
	if req.UploadPath == "" {
		t.remoteURL = req.AudioURL
	}

	// Never drop a persisted job: if the buffer is full, hand off in the
	// background instead of blocking the submitting request.
	select {
	case m.pending <- t:
	default:
		m.log.Warn("job queue full, deferring dispatch", zap.String("id", record.ID))
		go func() {
			select {
			case m.pending <- t:
			case <-m.ctx.Done():
			}
		}()
	}

	m.log.Info("job queued", zap.String("id", record.ID), zap.String("source", audioURL))
	return record, nil
}

// Get proxies to the store.
func (m *Manager) Get(id string) (*transcript.Transcript, error) {
	return m.store.Get(id)
}

// List proxies to the store.
func (m *Manager) List(status transcript.Status, limit, offset int) ([]*transcript.Transcript, int, error) {
	return m.store.List(status, limit, offset)
}

// Delete proxies to the store. A pipeline already running for the deleted id
// keeps running; its terminal write lands on a missing row and is logged.
func (m *Manager) Delete(id string) (bool, error) {
	return m.store.Delete(id)
}

// Stop drains the workers. Jobs already running finish with a cancelled
// context and write their terminal state.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.pending:
			m.run(t)
		}
	}
}

// run executes one job inside its own error boundary. The terminal write and
// webhook fire exactly once; the local audio file is removed on every path.
func (m *Manager) run(t task) {
	processing := transcript.StatusProcessing
	if err := m.store.Update(t.id, store.Patch{Status: &processing}); err != nil {
		m.log.Warn("job vanished before start", zap.String("id", t.id), zap.Error(err))
		return
	}

	localPath := t.localPath
	if t.remoteURL != "" {
		path, err := m.fetcher.Fetch(m.ctx, t.remoteURL)
		if err != nil {
			m.finish(t, nil, err)
			return
		}
		localPath = path
	}
	defer os.Remove(localPath)

	// Progress writes are filtered so observed values never decrease, even
	// if a stage re-reports a checkpoint.
	last := 0.0
	progress := func(p float64) {
		if p <= last || p >= 1.0 {
			return // final 1.0 lands with the terminal write
		}
		last = p
		if err := m.store.Update(t.id, store.Patch{Progress: &p}); err != nil {
			m.log.Warn("progress write failed", zap.String("id", t.id), zap.Error(err))
		}
	}

	result, err := m.orch.Run(m.ctx, localPath, t.opts, progress)
	m.finish(t, result, err)
}

// finish writes the terminal record state and fires the webhook once.
func (m *Manager) finish(t task, result *transcript.Result, runErr error) {
	now := time.Now().UTC()
	var patch store.Patch

	if runErr != nil {
		status := transcript.StatusError
		msg := runErr.Error()
		patch = store.Patch{Status: &status, Error: &msg, CompletedAt: &now}
		m.log.Warn("job failed", zap.String("id", t.id), zap.Error(runErr))
	} else {
		status := transcript.StatusCompleted
		progress := 1.0
		patch = store.Patch{
			Status:            &status,
			Progress:          &progress,
			Text:              &result.Text,
			Words:             result.Words,
			Utterances:        result.Utterances,
			Confidence:        &result.Confidence,
			AudioDuration:     &result.AudioDuration,
			LanguageCode:      &result.LanguageCode,
			SpeakerEmbeddings: result.SpeakerEmbeddings,
			CompletedAt:       &now,
		}
		m.log.Info("job completed", zap.String("id", t.id), zap.Int("words", len(result.Words)))
	}

	if err := m.store.Update(t.id, patch); err != nil {
		// Row deleted mid-flight: nothing to notify about.
		m.log.Warn("terminal write failed", zap.String("id", t.id), zap.Error(err))
		return
	}

	if t.opts.WebhookURL != "" {
		m.notifier.Notify(m.ctx, t.id, t.opts.WebhookURL, t.opts.WebhookAuthHeader)
	}
}

// failInterrupted marks jobs left queued or processing by a previous process
// as errored. Their pipeline state died with that process; resurrecting them
// without the original options would be a lie.
func (m *Manager) failInterrupted() {
	for _, status := range []transcript.Status{transcript.StatusQueued, transcript.StatusProcessing} {
		items, _, err := m.store.List(status, 1000, 0)
		if err != nil {
			m.log.Warn("startup sweep failed", zap.Error(err))
			return
		}
		for _, item := range items {
			errStatus := transcript.StatusError
			msg := "interrupted by service restart"
			now := time.Now().UTC()
			if err := m.store.Update(item.ID, store.Patch{Status: &errStatus, Error: &msg, CompletedAt: &now}); err != nil {
				m.log.Warn("startup sweep update failed", zap.String("id", item.ID), zap.Error(err))
			}
		}
		if len(items) > 0 {
			m.log.Info("marked interrupted jobs as errored",
				zap.String("status", string(status)), zap.Int("count", len(items)))
		}
	}
}
