package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/engine"
	"github.com/speech-stream/backend/internal/transcript"
)

type fakeHandle struct {
	id       string
	released atomic.Bool
}

func (h *fakeHandle) Release() { h.released.Store(true) }

// countingEngine hands out one distinct handle per load call and counts loads
// per kind. loadGate, when set, blocks loads until it is closed.
type countingEngine struct {
	loads    atomic.Int64
	loadErr  error
	loadGate chan struct{}
}

func (e *countingEngine) load(id string) (engine.Handle, error) {
	if e.loadGate != nil {
		<-e.loadGate
	}
	e.loads.Add(1)
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return &fakeHandle{id: id}, nil
}

func (e *countingEngine) LoadModel(ctx context.Context, cfg transcript.ModelConfig) (engine.Handle, error) {
	return e.load("model:" + cfg.Key())
}

func (e *countingEngine) LoadAlignModel(ctx context.Context, language string) (engine.Handle, error) {
	return e.load("align:" + language)
}

func (e *countingEngine) LoadDiarizeModel(ctx context.Context, modelName string) (engine.Handle, error) {
	return e.load("diarize:" + modelName)
}

func (e *countingEngine) DecodeAudio(ctx context.Context, path string) (*engine.Audio, error) {
	return &engine.Audio{Path: path}, nil
}

func (e *countingEngine) Transcribe(ctx context.Context, h engine.Handle, audio *engine.Audio, req engine.TranscribeRequest) (*engine.TranscribeOutput, error) {
	return &engine.TranscribeOutput{}, nil
}

func (e *countingEngine) Align(ctx context.Context, h engine.Handle, audio *engine.Audio, segments []engine.Segment, req engine.AlignRequest) ([]engine.Segment, error) {
	return segments, nil
}

func (e *countingEngine) Diarize(ctx context.Context, h engine.Handle, audio *engine.Audio, req engine.DiarizeRequest) (*engine.DiarizeOutput, error) {
	return &engine.DiarizeOutput{}, nil
}

func defaultConfig() transcript.ModelConfig {
	return transcript.DefaultModelConfig("large-v3-turbo", "float16")
}

func customConfig(beamSize int) transcript.ModelConfig {
	cfg := defaultConfig()
	cfg.ASR.BeamSize = beamSize
	return cfg
}

func TestConcurrentGetLoadsOnce(t *testing.T) {
	eng := &countingEngine{loadGate: make(chan struct{})}
	cache := New(eng, defaultConfig(), zap.NewNop())

	const callers = 16
	handles := make([]engine.Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = cache.Get(context.Background(), defaultConfig())
		}(i)
	}
	close(eng.loadGate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), eng.loads.Load())
	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0], handles[i])
	}
	assert.True(t, cache.Loaded())
}

func TestDefaultSlotNeverEvicted(t *testing.T) {
	eng := &countingEngine{}
	cache := New(eng, defaultConfig(), zap.NewNop())
	ctx := context.Background()

	def, err := cache.Get(ctx, defaultConfig())
	require.NoError(t, err)

	// Fill and overflow the custom table.
	for _, beam := range []int{2, 3, 4, 6} {
		_, err := cache.Get(ctx, customConfig(beam))
		require.NoError(t, err)
	}

	again, err := cache.Get(ctx, defaultConfig())
	require.NoError(t, err)
	assert.Same(t, def, again)
	assert.False(t, def.(*fakeHandle).released.Load())
}

func TestCustomTableEvictsOldest(t *testing.T) {
	eng := &countingEngine{}
	cache := New(eng, defaultConfig(), zap.NewNop())
	ctx := context.Background()

	first, err := cache.Get(ctx, customConfig(2))
	require.NoError(t, err)
	second, err := cache.Get(ctx, customConfig(3))
	require.NoError(t, err)
	_, err = cache.Get(ctx, customConfig(4))
	require.NoError(t, err)

	// Fourth distinct config evicts and releases the oldest.
	_, err = cache.Get(ctx, customConfig(6))
	require.NoError(t, err)
	assert.True(t, first.(*fakeHandle).released.Load())
	assert.False(t, second.(*fakeHandle).released.Load())

	// The evicted config loads again on next use.
	loadsBefore := eng.loads.Load()
	reloaded, err := cache.Get(ctx, customConfig(2))
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
	assert.Equal(t, loadsBefore+1, eng.loads.Load())
}

func TestCacheHitDoesNotReload(t *testing.T) {
	eng := &countingEngine{}
	cache := New(eng, defaultConfig(), zap.NewNop())
	ctx := context.Background()

	h1, err := cache.Get(ctx, customConfig(7))
	require.NoError(t, err)
	h2, err := cache.Get(ctx, customConfig(7))
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), eng.loads.Load())
}

func TestFailedLoadIsNotCached(t *testing.T) {
	eng := &countingEngine{loadErr: errors.New("out of device memory")}
	cache := New(eng, defaultConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := cache.Get(ctx, defaultConfig())
	require.Error(t, err)
	assert.False(t, cache.Loaded())

	// Clearing the failure makes the next load succeed.
	eng.loadErr = nil
	_, err = cache.Get(ctx, defaultConfig())
	require.NoError(t, err)
	assert.True(t, cache.Loaded())
	assert.Equal(t, int64(2), eng.loads.Load())
}

func TestConcurrentWaitersShareFailure(t *testing.T) {
	eng := &countingEngine{loadErr: errors.New("load failed"), loadGate: make(chan struct{})}
	cache := New(eng, defaultConfig(), zap.NewNop())

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Get(context.Background(), defaultConfig())
		}(i)
	}
	close(eng.loadGate)
	wg.Wait()

	assert.Equal(t, int64(1), eng.loads.Load())
	for i := 0; i < callers; i++ {
		assert.EqualError(t, errs[i], "load failed")
	}
}

func TestAlignAndDiarizeBounds(t *testing.T) {
	eng := &countingEngine{}
	cache := New(eng, defaultConfig(), zap.NewNop())
	ctx := context.Background()

	languages := []string{"en", "fr", "de", "es", "it", "pt", "nl", "pl", "ja"}
	handles := map[string]engine.Handle{}
	for _, lang := range languages {
		h, err := cache.AlignModel(ctx, lang)
		require.NoError(t, err)
		handles[lang] = h
	}
	// Ninth language evicted the first-loaded one.
	assert.True(t, handles["en"].(*fakeHandle).released.Load())
	assert.False(t, handles["fr"].(*fakeHandle).released.Load())

	d1, err := cache.DiarizeModel(ctx, "pyannote/speaker-diarization-3.1")
	require.NoError(t, err)
	_, err = cache.DiarizeModel(ctx, "pyannote/speaker-diarization-2.1")
	require.NoError(t, err)
	_, err = cache.DiarizeModel(ctx, "custom/diarizer")
	require.NoError(t, err)
	assert.True(t, d1.(*fakeHandle).released.Load())
}

func TestPreload(t *testing.T) {
	eng := &countingEngine{}
	cache := New(eng, defaultConfig(), zap.NewNop())

	require.NoError(t, cache.Preload(context.Background(), []string{"en", "fr"}))
	assert.True(t, cache.Loaded())
	assert.Equal(t, int64(3), eng.loads.Load())
}
