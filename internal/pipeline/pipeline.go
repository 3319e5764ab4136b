// Package pipeline sequences engine calls for a single job: decode,
// transcribe, optional align, optional diarize, format. Stages run strictly
// in order; the first failing stage aborts the rest.
package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/engine"
	"github.com/speech-stream/backend/internal/modelcache"
	"github.com/speech-stream/backend/internal/transcript"
)

// DefaultSpeaker labels utterances when diarization was not requested or the
// engine produced no attribution for a span.
const DefaultSpeaker = "A"

// Progress checkpoints reported between stages.
const (
	progressDecoded     = 0.1
	progressTranscribed = 0.5
	progressAligned     = 0.8
	progressDiarized    = 0.95
)

type Orchestrator struct {
	eng             engine.Engine
	cache           *modelcache.Cache
	batchSize       int
	defaultLanguage string
	log             *zap.Logger
}

func New(eng engine.Engine, cache *modelcache.Cache, batchSize int, defaultLanguage string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		eng:             eng,
		cache:           cache,
		batchSize:       batchSize,
		defaultLanguage: defaultLanguage,
		log:             logger,
	}
}

// Run executes the pipeline over a local audio file and returns the formatted
// result. progress is invoked with monotonically non-decreasing values; it
// must not block.
func (o *Orchestrator) Run(ctx context.Context, audioPath string, opts transcript.Options, progress func(float64)) (*transcript.Result, error) {
	if progress == nil {
		progress = func(float64) {}
	}

	handle, err := o.cache.Get(ctx, opts.ModelConfig(o.cache.DefaultConfig()))
	if err != nil {
		return nil, err
	}

	audio, err := o.eng.DecodeAudio(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	progress(progressDecoded)

	// Request language, else the configured default, else auto-detect.
	language := opts.Language
	if language == "" {
		language = o.defaultLanguage
	}

	out, err := o.eng.Transcribe(ctx, handle, audio, engine.TranscribeRequest{
		Language:  language,
		Task:      opts.Task,
		BatchSize: o.batchSize,
		ChunkSize: opts.ChunkSize,
	})
	if err != nil {
		return nil, err
	}
	progress(progressTranscribed)

	// Detected value wins when auto-detection ran; otherwise the requested
	// language is echoed back.
	detected := out.Language
	if detected == "" {
		detected = language
	}
	segments := out.Segments

	if opts.WordTimestamps {
		alignHandle, err := o.cache.AlignModel(ctx, detected)
		if err != nil {
			return nil, err
		}
		segments, err = o.eng.Align(ctx, alignHandle, audio, segments, engine.AlignRequest{
			Language:             detected,
			ReturnCharAlignments: opts.ReturnCharAlignments,
			InterpolateMethod:    opts.InterpolateMethod,
		})
		if err != nil {
			return nil, err
		}
	}
	progress(progressAligned)

	var embeddings map[string][]float64
	if opts.SpeakerLabels {
		diarHandle, err := o.cache.DiarizeModel(ctx, opts.DiarizeModel)
		if err != nil {
			return nil, err
		}
		minSpk, maxSpk := opts.SpeakerBounds()
		dia, err := o.eng.Diarize(ctx, diarHandle, audio, engine.DiarizeRequest{
			MinSpeakers:      minSpk,
			MaxSpeakers:      maxSpk,
			ReturnEmbeddings: opts.ReturnSpeakerEmbeddings,
		})
		if err != nil {
			return nil, err
		}
		segments = assignSpeakers(segments, dia.Turns)
		if opts.ReturnSpeakerEmbeddings {
			embeddings = dia.Embeddings
		}
	}
	progress(progressDiarized)

	result := formatResult(segments, detected, embeddings)
	progress(1.0)

	o.log.Info("pipeline complete",
		zap.Int("segments", len(segments)),
		zap.Int("words", len(result.Words)),
		zap.String("language", detected))
	return result, nil
}

// assignSpeakers merges diarization turns onto segments and words by maximum
// temporal overlap.
func assignSpeakers(segments []engine.Segment, turns []engine.DiarizeTurn) []engine.Segment {
	if len(turns) == 0 {
		return segments
	}
	out := make([]engine.Segment, len(segments))
	for i, seg := range segments {
		seg.Speaker = bestSpeaker(seg.Start, seg.End, turns)
		words := make([]engine.WordMark, len(seg.Words))
		for j, w := range seg.Words {
			if spk := bestSpeaker(w.Start, w.End, turns); spk != "" {
				w.Speaker = spk
			} else {
				w.Speaker = seg.Speaker
			}
			words[j] = w
		}
		seg.Words = words
		out[i] = seg
	}
	return out
}

func bestSpeaker(start, end float64, turns []engine.DiarizeTurn) string {
	best := ""
	bestOverlap := 0.0
	for _, turn := range turns {
		overlap := min64(end, turn.End) - max64(start, turn.Start)
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = turn.Speaker
		}
	}
	return best
}

// formatResult flattens engine segments into the persisted transcript shape:
// one utterance per segment owning its word subset, a flat word list, mean
// confidences, and the audio duration as the maximum word end time.
func formatResult(segments []engine.Segment, language string, embeddings map[string][]float64) *transcript.Result {
	words := []transcript.Word{}
	utterances := []transcript.Utterance{}

	for _, seg := range segments {
		speaker := seg.Speaker
		if speaker == "" {
			speaker = DefaultSpeaker
		}

		uttWords := []transcript.Word{}
		confSum := 0.0
		for _, w := range seg.Words {
			spk := w.Speaker
			if spk == "" {
				spk = speaker
			}
			word := transcript.Word{
				Text:       w.Word,
				Start:      toMillis(w.Start),
				End:        toMillis(w.End),
				Confidence: w.Score,
				Speaker:    spk,
			}
			words = append(words, word)
			uttWords = append(uttWords, word)
			confSum += w.Score
		}

		confidence := 0.0
		if len(uttWords) > 0 {
			confidence = confSum / float64(len(uttWords))
		}

		utterances = append(utterances, transcript.Utterance{
			Speaker:    speaker,
			Text:       strings.TrimSpace(seg.Text),
			Start:      toMillis(seg.Start),
			End:        toMillis(seg.End),
			Confidence: confidence,
			Words:      uttWords,
		})
	}

	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, strings.TrimSpace(seg.Text))
	}

	totalConf := 0.0
	var duration int64
	for _, w := range words {
		totalConf += w.Confidence
		if w.End > duration {
			duration = w.End
		}
	}
	confidence := 0.0
	if len(words) > 0 {
		confidence = totalConf / float64(len(words))
	}

	return &transcript.Result{
		Text:              strings.Join(texts, " "),
		Words:             words,
		Utterances:        utterances,
		Confidence:        confidence,
		AudioDuration:     duration,
		LanguageCode:      language,
		SpeakerEmbeddings: embeddings,
	}
}

func toMillis(seconds float64) int64 {
	return int64(seconds * 1000)
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
