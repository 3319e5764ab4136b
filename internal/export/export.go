// Package export renders completed transcripts into subtitle and tabular
// formats. All functions are pure transforms over the persisted result.
package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/speech-stream/backend/internal/transcript"
)

// SRT renders SubRip subtitles: index, "start --> end" with comma millisecond
// separator, text, blank line per utterance.
func SRT(utterances []transcript.Utterance) string {
	var sb strings.Builder
	for i, u := range utterances {
		sb.WriteString(fmt.Sprintf("%d\n", i+1))
		sb.WriteString(fmt.Sprintf("%s --> %s\n", srtTimestamp(u.Start), srtTimestamp(u.End)))
		sb.WriteString(u.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// VTT renders WebVTT: header line, then dot-separated timestamps plus text
// per utterance.
func VTT(utterances []transcript.Utterance) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	for _, u := range utterances {
		sb.WriteString(fmt.Sprintf("%s --> %s\n", vttTimestamp(u.Start), vttTimestamp(u.End)))
		sb.WriteString(u.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// TSV renders one row per utterance with a header. Tabs and newlines inside
// the text are replaced with spaces so rows stay one line.
func TSV(utterances []transcript.Utterance) string {
	var sb strings.Builder
	sb.WriteString("start\tend\tspeaker\ttext")
	for _, u := range utterances {
		text := strings.NewReplacer("\t", " ", "\n", " ").Replace(u.Text)
		sb.WriteString(fmt.Sprintf("\n%d\t%d\t%s\t%s", u.Start, u.End, u.Speaker, text))
	}
	return sb.String()
}

// Words renders the flat word list as {"words": [...]}.
func Words(words []transcript.Word) ([]byte, error) {
	if words == nil {
		words = []transcript.Word{}
	}
	return json.Marshal(map[string][]transcript.Word{"words": words})
}

// srtTimestamp formats milliseconds as HH:MM:SS,mmm.
func srtTimestamp(ms int64) string {
	h, m, s, rem := splitMillis(ms)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, rem)
}

// vttTimestamp formats milliseconds as HH:MM:SS.mmm.
func vttTimestamp(ms int64) string {
	h, m, s, rem := splitMillis(ms)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, rem)
}

func splitMillis(ms int64) (h, m, s, rem int64) {
	s, rem = ms/1000, ms%1000
	m, s = s/60, s%60
	h, m = m/60, m%60
	return h, m, s, rem
}
