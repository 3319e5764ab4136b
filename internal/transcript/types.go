package transcript

import "time"

// Status represents the lifecycle state of a transcript job.
// Transitions are forward-only: queued -> processing -> completed|error.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Word is a single recognized word with millisecond timings.
type Word struct {
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Utterance is a contiguous span of speech attributed to one speaker.
// Confidence is the mean of the constituent word confidences (0 if no words).
type Utterance struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

// Transcript is one row per submitted job. Result fields stay nil until the
// job completes; Error is non-nil iff status is error.
type Transcript struct {
	ID               string      `json:"id"`
	Status           Status      `json:"status"`
	AudioURL         string      `json:"audio_url"`
	LanguageCode     *string     `json:"language_code"`
	SpeakerLabels    bool        `json:"speaker_labels"`
	SpeakersExpected *int        `json:"speakers_expected,omitempty"`
	Progress         float64     `json:"progress"`
	Text             *string     `json:"text"`
	Words            []Word      `json:"words,omitempty"`
	Utterances       []Utterance `json:"utterances,omitempty"`
	Confidence       *float64    `json:"confidence,omitempty"`
	AudioDuration    *int64      `json:"audio_duration,omitempty"`
	Error            *string     `json:"error,omitempty"`
	WebhookURL       *string     `json:"webhook_url,omitempty"`
	// Never serialized: forwarded verbatim on webhook delivery only.
	WebhookAuthHeader *string    `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Result is the formatted output of a completed pipeline run.
type Result struct {
	Text              string               `json:"text"`
	Words             []Word               `json:"words"`
	Utterances        []Utterance          `json:"utterances"`
	Confidence        float64              `json:"confidence"`
	AudioDuration     int64                `json:"audio_duration"`
	LanguageCode      string               `json:"language_code"`
	SpeakerEmbeddings map[string][]float64 `json:"speaker_embeddings,omitempty"`
}
