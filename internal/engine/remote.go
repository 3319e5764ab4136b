package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/transcript"
)

// Remote talks to the GPU engine sidecar over HTTP. Model loads and inference
// calls block for their full duration; the sidecar owns the device.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewRemote creates a client for the engine sidecar.
func NewRemote(baseURL string, logger *zap.Logger) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // transcription can be very long
		},
		log: logger,
	}
}

// remoteHandle references a model resident in the sidecar process.
type remoteHandle struct {
	client  *Remote
	modelID string
}

func (h *remoteHandle) Release() {
	url := fmt.Sprintf("%s/models/%s/release", h.client.baseURL, h.modelID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := h.client.httpClient.Do(req)
	if err != nil {
		h.client.log.Warn("model release failed", zap.String("model_id", h.modelID), zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (r *Remote) LoadModel(ctx context.Context, cfg transcript.ModelConfig) (Handle, error) {
	return r.load(ctx, "/models/load", cfg)
}

func (r *Remote) LoadAlignModel(ctx context.Context, language string) (Handle, error) {
	return r.load(ctx, "/models/align/load", map[string]string{"language": language})
}

func (r *Remote) LoadDiarizeModel(ctx context.Context, modelName string) (Handle, error) {
	return r.load(ctx, "/models/diarize/load", map[string]string{"model": modelName})
}

func (r *Remote) load(ctx context.Context, path string, payload any) (Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal load request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine load request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine error (status %d): %s", resp.StatusCode, string(data))
	}

	var out struct {
		ModelID string `json:"model_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode load response: %w", err)
	}
	return &remoteHandle{client: r, modelID: out.ModelID}, nil
}

// DecodeAudio validates the local file; the sidecar decodes to 16kHz mono on
// upload, so no samples cross this boundary.
func (r *Remote) DecodeAudio(ctx context.Context, path string) (*Audio, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("audio file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("audio file is empty: %s", path)
	}
	return &Audio{Path: path, SampleRate: 16000}, nil
}

func (r *Remote) Transcribe(ctx context.Context, h Handle, audio *Audio, req TranscribeRequest) (*TranscribeOutput, error) {
	fields := map[string]string{
		"language":   req.Language,
		"task":       req.Task,
		"batch_size": fmt.Sprintf("%d", req.BatchSize),
		"chunk_size": fmt.Sprintf("%d", req.ChunkSize),
	}
	var out TranscribeOutput
	if err := r.inference(ctx, h, "/transcribe", audio.Path, fields, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) Align(ctx context.Context, h Handle, audio *Audio, segments []Segment, req AlignRequest) ([]Segment, error) {
	fields := map[string]string{
		"language":           req.Language,
		"interpolate_method": req.InterpolateMethod,
	}
	if req.ReturnCharAlignments {
		fields["return_char_alignments"] = "true"
	}
	var out struct {
		Segments []Segment `json:"segments"`
	}
	if err := r.inference(ctx, h, "/align", audio.Path, fields, segments, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

func (r *Remote) Diarize(ctx context.Context, h Handle, audio *Audio, req DiarizeRequest) (*DiarizeOutput, error) {
	fields := map[string]string{}
	if req.MinSpeakers != nil {
		fields["min_speakers"] = fmt.Sprintf("%d", *req.MinSpeakers)
	}
	if req.MaxSpeakers != nil {
		fields["max_speakers"] = fmt.Sprintf("%d", *req.MaxSpeakers)
	}
	if req.ReturnEmbeddings {
		fields["return_embeddings"] = "true"
	}
	var out DiarizeOutput
	if err := r.inference(ctx, h, "/diarize", audio.Path, fields, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// inference uploads the audio as a multipart form plus string fields and an
// optional segments JSON part, then decodes the JSON response into out.
func (r *Remote) inference(ctx context.Context, h Handle, path, audioPath string, fields map[string]string, segments []Segment, out any) error {
	rh, ok := h.(*remoteHandle)
	if !ok {
		return fmt.Errorf("handle is not a remote engine handle")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	audioFile, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer audioFile.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audioFile); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}

	writer.WriteField("model_id", rh.modelID)
	for k, v := range fields {
		if v != "" {
			writer.WriteField(k, v)
		}
	}
	if segments != nil {
		segJSON, err := json.Marshal(segments)
		if err != nil {
			return fmt.Errorf("marshal segments: %w", err)
		}
		writer.WriteField("segments", string(segJSON))
	}
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	r.log.Debug("engine request", zap.String("path", path), zap.String("audio", audioPath))

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}
