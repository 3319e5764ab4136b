package handlers

import (
	"strconv"
	"strings"

	"github.com/speech-stream/backend/internal/transcript"
)

// optionsFromForm overlays submitted form fields onto the default option set.
// Empty values are treated as unset so UI clients that send "" for omitted
// fields behave the same as clients that omit them.
func optionsFromForm(fields map[string]string, opts *transcript.Options) {
	get := func(key string) (string, bool) {
		v, ok := fields[key]
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("language_code"); ok {
		opts.Language = v
	}
	if v, ok := get("task"); ok {
		opts.Task = v
	}

	if v, ok := get("speaker_labels"); ok {
		opts.SpeakerLabels = parseBool(v)
	}
	if n, ok := parseIntField(get("speakers_expected")); ok {
		opts.SpeakersExpected = &n
	}
	if n, ok := parseIntField(get("min_speakers")); ok {
		opts.MinSpeakers = &n
	}
	if n, ok := parseIntField(get("max_speakers")); ok {
		opts.MaxSpeakers = &n
	}
	if v, ok := get("diarize_model"); ok {
		opts.DiarizeModel = v
	}
	if v, ok := get("return_speaker_embeddings"); ok {
		opts.ReturnSpeakerEmbeddings = parseBool(v)
	}

	if f, ok := parseFloatField(get("temperature")); ok {
		opts.Temperature = f
	}
	if f, ok := parseFloatField(get("temperature_increment_on_fallback")); ok {
		opts.TemperatureIncrementOnFallback = &f
	}
	if n, ok := parseIntField(get("beam_size")); ok {
		opts.BeamSize = n
	}
	if n, ok := parseIntField(get("best_of")); ok {
		opts.BestOf = n
	}
	if f, ok := parseFloatField(get("patience")); ok {
		opts.Patience = f
	}
	if f, ok := parseFloatField(get("length_penalty")); ok {
		opts.LengthPenalty = f
	}
	if v, ok := get("suppress_tokens"); ok {
		opts.SuppressTokens = parseIntList(v)
	}
	if f, ok := parseFloatField(get("logprob_threshold")); ok {
		opts.LogProbThreshold = &f
	}
	if v, ok := get("initial_prompt"); ok {
		opts.InitialPrompt = v
	}
	if v, ok := get("hotwords"); ok {
		opts.Hotwords = v
	}

	if v, ok := get("word_timestamps"); ok {
		opts.WordTimestamps = parseBool(v)
	}
	if v, ok := get("return_char_alignments"); ok {
		opts.ReturnCharAlignments = parseBool(v)
	}
	if v, ok := get("suppress_numerals"); ok {
		opts.SuppressNumerals = parseBool(v)
	}
	if v, ok := get("interpolate_method"); ok {
		opts.InterpolateMethod = v
	}

	if f, ok := parseFloatField(get("compression_ratio_threshold")); ok {
		opts.CompressionRatioThreshold = f
	}
	if f, ok := parseFloatField(get("no_speech_threshold")); ok {
		opts.NoSpeechThreshold = f
	}
	if v, ok := get("condition_on_previous_text"); ok {
		opts.ConditionOnPreviousText = parseBool(v)
	}

	if v, ok := get("vad_method"); ok {
		opts.VADMethod = v
	}
	if f, ok := parseFloatField(get("vad_onset")); ok {
		opts.VADOnset = f
	}
	if f, ok := parseFloatField(get("vad_offset")); ok {
		opts.VADOffset = f
	}
	if n, ok := parseIntField(get("chunk_size")); ok {
		opts.ChunkSize = n
	}

	if v, ok := get("webhook_url"); ok {
		opts.WebhookURL = v
	}
	if v, ok := get("webhook_auth_header"); ok {
		opts.WebhookAuthHeader = v
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(strings.ToLower(v))
	return b
}

func parseIntField(v string, ok bool) (int, bool) {
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloatField(v string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseIntList(v string) []int {
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}
