package engine

import (
	"context"

	"github.com/speech-stream/backend/internal/transcript"
)

// Handle is an opaque loaded model resource. Release frees its device memory;
// callers must not use a handle after releasing it.
type Handle interface {
	Release()
}

// Audio is a decoded 16kHz mono sample reference passed between pipeline
// stages. Remote engines decode server-side and only carry the path.
type Audio struct {
	Path       string
	SampleRate int
	Duration   float64
}

// WordMark is a word-level timing produced by transcription or alignment.
// Times are in seconds.
type WordMark struct {
	Word    string  `json:"word"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Score   float64 `json:"score"`
	Speaker string  `json:"speaker,omitempty"`
}

// Segment is one span of recognized speech. Times are in seconds.
type Segment struct {
	Text    string     `json:"text"`
	Start   float64    `json:"start"`
	End     float64    `json:"end"`
	Speaker string     `json:"speaker,omitempty"`
	Words   []WordMark `json:"words,omitempty"`
}

// TranscribeOutput is the raw engine result before formatting.
type TranscribeOutput struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// DiarizeTurn attributes one span of speech to a speaker. Times in seconds.
type DiarizeTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// DiarizeOutput is the speaker attribution result.
type DiarizeOutput struct {
	Turns      []DiarizeTurn        `json:"turns"`
	Embeddings map[string][]float64 `json:"embeddings,omitempty"`
}

type TranscribeRequest struct {
	Language  string
	Task      string
	BatchSize int
	ChunkSize int
}

type AlignRequest struct {
	Language             string
	ReturnCharAlignments bool
	InterpolateMethod    string
}

type DiarizeRequest struct {
	MinSpeakers      *int
	MaxSpeakers      *int
	ReturnEmbeddings bool
}

// Engine is the narrow boundary to the speech runtime. Implementations load
// expensive GPU models and run the three pipeline computations; everything
// else (caching, job state, formatting) lives on this side of the interface.
type Engine interface {
	LoadModel(ctx context.Context, cfg transcript.ModelConfig) (Handle, error)
	LoadAlignModel(ctx context.Context, language string) (Handle, error)
	LoadDiarizeModel(ctx context.Context, modelName string) (Handle, error)

	DecodeAudio(ctx context.Context, path string) (*Audio, error)
	Transcribe(ctx context.Context, h Handle, audio *Audio, req TranscribeRequest) (*TranscribeOutput, error)
	Align(ctx context.Context, h Handle, audio *Audio, segments []Segment, req AlignRequest) ([]Segment, error)
	Diarize(ctx context.Context, h Handle, audio *Audio, req DiarizeRequest) (*DiarizeOutput, error)
}
