package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Built-in decoding defaults. Per-job values equal to these do not alter the
// effective model configuration, so requests spelling out the defaults hash
// to the same cache key as requests omitting them.
const (
	DefaultBeamSize                  = 5
	DefaultBestOf                    = 5
	DefaultPatience                  = 1.0
	DefaultLengthPenalty             = 1.0
	DefaultCompressionRatioThreshold = 2.4
	DefaultLogProbThreshold          = -1.0
	DefaultNoSpeechThreshold         = 0.6
	DefaultVADMethod                 = "pyannote"
	DefaultVADOnset                  = 0.5
	DefaultVADOffset                 = 0.363
	DefaultChunkSize                 = 30
	DefaultDiarizeModel              = "pyannote/speaker-diarization-3.1"
)

// ASROptions are decoding parameters applied at model load time.
type ASROptions struct {
	BeamSize                  int       `json:"beam_size"`
	BestOf                    int       `json:"best_of"`
	Patience                  float64   `json:"patience"`
	LengthPenalty             float64   `json:"length_penalty"`
	Temperatures              []float64 `json:"temperatures"`
	CompressionRatioThreshold float64   `json:"compression_ratio_threshold"`
	LogProbThreshold          float64   `json:"log_prob_threshold"`
	NoSpeechThreshold         float64   `json:"no_speech_threshold"`
	ConditionOnPreviousText   bool      `json:"condition_on_previous_text"`
	SuppressNumerals          bool      `json:"suppress_numerals"`
	SuppressTokens            []int     `json:"suppress_tokens,omitempty"`
	InitialPrompt             string    `json:"initial_prompt,omitempty"`
	Hotwords                  string    `json:"hotwords,omitempty"`
}

// VADOptions are voice-activity-detection parameters applied at model load time.
type VADOptions struct {
	Onset     float64 `json:"vad_onset"`
	Offset    float64 `json:"vad_offset"`
	ChunkSize int     `json:"chunk_size"`
}

// ModelConfig is the full load-time configuration of the primary model.
// Two requests with the same effective config share one cached handle.
type ModelConfig struct {
	Model       string     `json:"model"`
	ComputeType string     `json:"compute_type"`
	ASR         ASROptions `json:"asr"`
	VAD         VADOptions `json:"vad"`
	VADMethod   string     `json:"vad_method"`
}

// DefaultModelConfig returns the built-in load configuration for a model name.
func DefaultModelConfig(model, computeType string) ModelConfig {
	return ModelConfig{
		Model:       model,
		ComputeType: computeType,
		ASR: ASROptions{
			BeamSize:                  DefaultBeamSize,
			BestOf:                    DefaultBestOf,
			Patience:                  DefaultPatience,
			LengthPenalty:             DefaultLengthPenalty,
			Temperatures:              []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0},
			CompressionRatioThreshold: DefaultCompressionRatioThreshold,
			LogProbThreshold:          DefaultLogProbThreshold,
			NoSpeechThreshold:         DefaultNoSpeechThreshold,
		},
		VAD: VADOptions{
			Onset:     DefaultVADOnset,
			Offset:    DefaultVADOffset,
			ChunkSize: DefaultChunkSize,
		},
		VADMethod: DefaultVADMethod,
	}
}

// Key returns the deterministic cache key for this configuration: a truncated
// hex digest of the canonical JSON encoding. Struct field order is fixed, so
// equal configs always encode identically.
func (c ModelConfig) Key() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Options carries the full per-job parameter set accepted at submission.
type Options struct {
	Language string
	Task     string

	SpeakerLabels           bool
	SpeakersExpected        *int
	MinSpeakers             *int
	MaxSpeakers             *int
	DiarizeModel            string
	ReturnSpeakerEmbeddings bool

	Temperature                    float64
	TemperatureIncrementOnFallback *float64
	BeamSize                       int
	BestOf                         int
	Patience                       float64
	LengthPenalty                  float64
	SuppressTokens                 []int
	LogProbThreshold               *float64
	InitialPrompt                  string
	Hotwords                       string

	WordTimestamps       bool
	ReturnCharAlignments bool
	SuppressNumerals     bool
	InterpolateMethod    string

	CompressionRatioThreshold float64
	NoSpeechThreshold         float64
	ConditionOnPreviousText   bool

	VADMethod string
	VADOnset  float64
	VADOffset float64
	ChunkSize int

	WebhookURL        string
	WebhookAuthHeader string
}

// DefaultOptions returns Options populated with the built-in defaults.
func DefaultOptions() Options {
	inc := 0.2
	return Options{
		Task:                           "transcribe",
		DiarizeModel:                   DefaultDiarizeModel,
		Temperature:                    0.0,
		TemperatureIncrementOnFallback: &inc,
		BeamSize:                       DefaultBeamSize,
		BestOf:                         DefaultBestOf,
		Patience:                       DefaultPatience,
		LengthPenalty:                  DefaultLengthPenalty,
		InterpolateMethod:              "nearest",
		CompressionRatioThreshold:      DefaultCompressionRatioThreshold,
		NoSpeechThreshold:              DefaultNoSpeechThreshold,
		VADMethod:                      DefaultVADMethod,
		VADOnset:                       DefaultVADOnset,
		VADOffset:                      DefaultVADOffset,
		ChunkSize:                      DefaultChunkSize,
	}
}

// ModelConfig merges this job's overrides onto the service-wide base config.
// Values matching the built-in defaults leave the base untouched, so a
// request that spells out every default still resolves to the base key.
func (o Options) ModelConfig(base ModelConfig) ModelConfig {
	cfg := base

	if temps := o.temperatures(); temps != nil {
		cfg.ASR.Temperatures = temps
	}
	if o.BeamSize != DefaultBeamSize && o.BeamSize != 0 {
		cfg.ASR.BeamSize = o.BeamSize
	}
	if o.BestOf != DefaultBestOf && o.BestOf != 0 {
		cfg.ASR.BestOf = o.BestOf
	}
	if o.Patience != DefaultPatience && o.Patience != 0 {
		cfg.ASR.Patience = o.Patience
	}
	if o.LengthPenalty != DefaultLengthPenalty && o.LengthPenalty != 0 {
		cfg.ASR.LengthPenalty = o.LengthPenalty
	}
	if o.CompressionRatioThreshold != DefaultCompressionRatioThreshold && o.CompressionRatioThreshold != 0 {
		cfg.ASR.CompressionRatioThreshold = o.CompressionRatioThreshold
	}
	if o.NoSpeechThreshold != DefaultNoSpeechThreshold && o.NoSpeechThreshold != 0 {
		cfg.ASR.NoSpeechThreshold = o.NoSpeechThreshold
	}
	if o.LogProbThreshold != nil && *o.LogProbThreshold != DefaultLogProbThreshold {
		cfg.ASR.LogProbThreshold = *o.LogProbThreshold
	}
	if o.ConditionOnPreviousText {
		cfg.ASR.ConditionOnPreviousText = true
	}
	if o.SuppressNumerals {
		cfg.ASR.SuppressNumerals = true
	}
	if len(o.SuppressTokens) > 0 {
		cfg.ASR.SuppressTokens = o.SuppressTokens
	}
	if o.InitialPrompt != "" {
		cfg.ASR.InitialPrompt = o.InitialPrompt
	}
	if o.Hotwords != "" {
		cfg.ASR.Hotwords = o.Hotwords
	}

	if o.VADOnset != DefaultVADOnset && o.VADOnset != 0 {
		cfg.VAD.Onset = o.VADOnset
	}
	if o.VADOffset != DefaultVADOffset && o.VADOffset != 0 {
		cfg.VAD.Offset = o.VADOffset
	}
	if o.ChunkSize != DefaultChunkSize && o.ChunkSize != 0 {
		cfg.VAD.ChunkSize = o.ChunkSize
	}
	if o.VADMethod != "" && o.VADMethod != DefaultVADMethod {
		cfg.VADMethod = o.VADMethod
	}

	return cfg
}

// temperatures expands Temperature plus the fallback increment into the full
// fallback ladder, capped at 1.0. Returns nil when the request keeps the
// default schedule.
func (o Options) temperatures() []float64 {
	if o.Temperature == 0.0 && (o.TemperatureIncrementOnFallback == nil || *o.TemperatureIncrementOnFallback == 0.2) {
		return nil
	}
	temps := []float64{o.Temperature}
	if o.TemperatureIncrementOnFallback != nil && *o.TemperatureIncrementOnFallback > 0 {
		for t := o.Temperature + *o.TemperatureIncrementOnFallback; t <= 1.0+1e-9; t += *o.TemperatureIncrementOnFallback {
			temps = append(temps, t)
		}
	}
	return temps
}

// SpeakerBounds resolves the min/max speaker hints for diarization. When only
// speakers_expected is given, it pins both bounds.
func (o Options) SpeakerBounds() (min, max *int) {
	min, max = o.MinSpeakers, o.MaxSpeakers
	if o.SpeakersExpected != nil {
		if min == nil {
			min = o.SpeakersExpected
		}
		if max == nil {
			max = o.SpeakersExpected
		}
	}
	return min, max
}
