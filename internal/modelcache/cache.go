// Package modelcache hides the 30-60s cold-load cost of GPU models behind a
// cache keyed by configuration. The default configuration has a dedicated
// never-evicted slot; custom configurations share a FIFO-bounded table.
package modelcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/engine"
	"github.com/speech-stream/backend/internal/transcript"
)

// Cache bounds. Custom primary-model configs dominate device memory; the
// alignment and diarization models are small but still bounded so the tables
// cannot grow without limit.
const (
	MaxCustomModels  = 3
	MaxAlignModels   = 8
	MaxDiarizeModels = 2
)

// flight tracks one in-progress load so concurrent callers for the same key
// wait for it instead of loading twice. A failed flight is discarded, so the
// next caller retries the load.
type flight struct {
	done   chan struct{}
	handle engine.Handle
	err    error
}

// Cache is the shared model handle cache. Safe for concurrent use; all
// check-then-act sequences run under one lock.
type Cache struct {
	eng engine.Engine
	def transcript.ModelConfig
	log *zap.Logger

	mu            sync.Mutex
	defaultHandle engine.Handle
	custom        map[string]engine.Handle
	customOrder   []string
	align         map[string]engine.Handle
	alignOrder    []string
	diarize       map[string]engine.Handle
	diarizeOrder  []string
	flights       map[string]*flight
}

// New creates a cache for the given engine and service-wide default config.
func New(eng engine.Engine, def transcript.ModelConfig, logger *zap.Logger) *Cache {
	return &Cache{
		eng:     eng,
		def:     def,
		log:     logger,
		custom:  make(map[string]engine.Handle),
		align:   make(map[string]engine.Handle),
		diarize: make(map[string]engine.Handle),
		flights: make(map[string]*flight),
	}
}

// DefaultConfig returns the service-wide default model configuration.
func (c *Cache) DefaultConfig() transcript.ModelConfig {
	return c.def
}

// Get returns the handle for cfg, loading it on first use. The default
// configuration is the fast path and is never evicted; custom configurations
// go through the bounded table.
func (c *Cache) Get(ctx context.Context, cfg transcript.ModelConfig) (engine.Handle, error) {
	key := cfg.Key()
	if key == c.def.Key() {
		return c.getOrLoad(ctx, "model:default",
			func() (engine.Handle, bool) { return c.defaultHandle, c.defaultHandle != nil },
			func(h engine.Handle) { c.defaultHandle = h },
			func(ctx context.Context) (engine.Handle, error) {
				c.log.Info("loading default model", zap.String("model", cfg.Model), zap.String("compute_type", cfg.ComputeType))
				return c.eng.LoadModel(ctx, cfg)
			},
		)
	}

	return c.getOrLoad(ctx, "model:"+key,
		func() (engine.Handle, bool) { h, ok := c.custom[key]; return h, ok },
		func(h engine.Handle) {
			c.insertBounded(c.custom, &c.customOrder, key, h, MaxCustomModels, "custom model")
		},
		func(ctx context.Context) (engine.Handle, error) {
			c.log.Info("loading custom model", zap.String("options_key", key))
			return c.eng.LoadModel(ctx, cfg)
		},
	)
}

// AlignModel returns the alignment model for a language, loading it on first use.
func (c *Cache) AlignModel(ctx context.Context, language string) (engine.Handle, error) {
	return c.getOrLoad(ctx, "align:"+language,
		func() (engine.Handle, bool) { h, ok := c.align[language]; return h, ok },
		func(h engine.Handle) {
			c.insertBounded(c.align, &c.alignOrder, language, h, MaxAlignModels, "alignment model")
		},
		func(ctx context.Context) (engine.Handle, error) {
			c.log.Info("loading alignment model", zap.String("language", language))
			return c.eng.LoadAlignModel(ctx, language)
		},
	)
}

// DiarizeModel returns the diarization model by name, loading it on first use.
func (c *Cache) DiarizeModel(ctx context.Context, modelName string) (engine.Handle, error) {
	return c.getOrLoad(ctx, "diarize:"+modelName,
		func() (engine.Handle, bool) { h, ok := c.diarize[modelName]; return h, ok },
		func(h engine.Handle) {
			c.insertBounded(c.diarize, &c.diarizeOrder, modelName, h, MaxDiarizeModels, "diarization model")
		},
		func(ctx context.Context) (engine.Handle, error) {
			c.log.Info("loading diarization model", zap.String("model", modelName))
			return c.eng.LoadDiarizeModel(ctx, modelName)
		},
	)
}

// Loaded reports whether the default model handle is resident.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultHandle != nil
}

// Preload loads the default model plus alignment models for the given
// languages. Alignment preload failures are logged and skipped; a default
// model failure is fatal to startup.
func (c *Cache) Preload(ctx context.Context, languages []string) error {
	if _, err := c.Get(ctx, c.def); err != nil {
		return err
	}
	for _, lang := range languages {
		if _, err := c.AlignModel(ctx, lang); err != nil {
			c.log.Warn("alignment model preload failed", zap.String("language", lang), zap.Error(err))
		}
	}
	return nil
}

// getOrLoad implements the load-once-under-lock discipline: cache hit, join
// an in-progress flight, or start a new one. lookup and store run with the
// lock held; load runs without it so unrelated keys do not serialize.
func (c *Cache) getOrLoad(
	ctx context.Context,
	key string,
	lookup func() (engine.Handle, bool),
	store func(engine.Handle),
	load func(context.Context) (engine.Handle, error),
) (engine.Handle, error) {
	c.mu.Lock()
	if h, ok := lookup(); ok {
		c.mu.Unlock()
		return h, nil
	}
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		<-f.done
		if f.err != nil {
			return nil, f.err
		}
		return f.handle, nil
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	h, err := load(ctx)

	c.mu.Lock()
	delete(c.flights, key)
	if err == nil {
		store(h)
		f.handle = h
	}
	f.err = err
	c.mu.Unlock()
	close(f.done)

	return h, err
}

// insertBounded adds key to a table, evicting the oldest-inserted entry when
// the bound is reached. The evicted handle is released before the insert
// completes. Caller holds c.mu.
func (c *Cache) insertBounded(m map[string]engine.Handle, order *[]string, key string, h engine.Handle, bound int, kind string) {
	if _, exists := m[key]; exists {
		return
	}
	if len(*order) >= bound {
		oldest := (*order)[0]
		*order = (*order)[1:]
		if old, ok := m[oldest]; ok {
			c.log.Info("evicting oldest "+kind, zap.String("key", oldest))
			delete(m, oldest)
			old.Release()
		}
	}
	m[key] = h
	*order = append(*order, key)
}
