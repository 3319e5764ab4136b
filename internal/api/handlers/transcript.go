package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/export"
	"github.com/speech-stream/backend/internal/fetch"
	"github.com/speech-stream/backend/internal/job"
	"github.com/speech-stream/backend/internal/transcript"
)

// errUploadTooLarge marks uploads rejected at the admission boundary.
var errUploadTooLarge = errors.New("upload too large")

// ExportFormats are the derived representations served per transcript.
var ExportFormats = []string{"srt", "vtt", "txt", "json", "tsv", "words"}

type TranscriptHandler struct {
	manager        *job.Manager
	maxUploadBytes int64
	log            *zap.Logger
}

func NewTranscriptHandler(manager *job.Manager, maxUploadBytes int64, logger *zap.Logger) *TranscriptHandler {
	return &TranscriptHandler{manager: manager, maxUploadBytes: maxUploadBytes, log: logger}
}

// Submit accepts a multipart upload or an audio_url form field plus the full
// option set, persists the queued record, and returns it immediately.
func (h *TranscriptHandler) Submit(w http.ResponseWriter, r *http.Request) {
	fields := map[string]string{}
	var uploadPath, uploadName string

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		mr, err := r.MultipartReader()
		if err != nil {
			jsonError(w, "invalid multipart request: "+err.Error(), http.StatusBadRequest)
			return
		}
		uploadPath, uploadName, err = h.readMultipart(mr, fields)
		if err != nil {
			if uploadPath != "" {
				os.Remove(uploadPath)
			}
			if errors.Is(err, errUploadTooLarge) {
				jsonError(w, fmt.Sprintf("file too large, maximum size is %d bytes", h.maxUploadBytes), http.StatusRequestEntityTooLarge)
				return
			}
			jsonError(w, "read request: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			jsonError(w, "invalid form: "+err.Error(), http.StatusBadRequest)
			return
		}
		for key := range r.PostForm {
			fields[key] = r.PostForm.Get(key)
		}
	}

	opts := transcript.DefaultOptions()
	optionsFromForm(fields, &opts)

	record, err := h.manager.Submit(job.SubmitRequest{
		UploadPath: uploadPath,
		UploadName: uploadName,
		AudioURL:   fields["audio_url"],
		Options:    opts,
	})
	if err != nil {
		if uploadPath != "" {
			os.Remove(uploadPath)
		}
		switch {
		case errors.Is(err, job.ErrMissingAudio),
			errors.Is(err, fetch.ErrInvalidScheme),
			errors.Is(err, fetch.ErrBlockedHost):
			jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			h.log.Error("submit failed", zap.Error(err))
			jsonError(w, "failed to create transcript", http.StatusInternalServerError)
		}
		return
	}

	jsonResponse(w, record, http.StatusOK)
}

// readMultipart streams the file part to a temp file under the upload cap
// and collects the other parts as string fields.
func (h *TranscriptHandler) readMultipart(mr *multipart.Reader, fields map[string]string) (uploadPath, uploadName string, err error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return uploadPath, uploadName, nil
		}
		if err != nil {
			return uploadPath, uploadName, err
		}

		if part.FormName() == "file" && part.FileName() != "" {
			uploadName = part.FileName()
			uploadPath, err = h.saveUpload(part)
			if err != nil {
				part.Close()
				return uploadPath, uploadName, err
			}
			part.Close()
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, 64<<10))
		part.Close()
		if err != nil {
			return uploadPath, uploadName, err
		}
		fields[part.FormName()] = string(value)
	}
}

func (h *TranscriptHandler) saveUpload(part *multipart.Part) (string, error) {
	suffix := path.Ext(part.FileName())
	if suffix == "" {
		suffix = ".mp3"
	}
	tmpFile, err := os.CreateTemp("", "upload-*"+suffix)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, io.LimitReader(part, h.maxUploadBytes+1))
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save upload: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpFile.Name())
		return "", closeErr
	}
	if written > h.maxUploadBytes {
		os.Remove(tmpFile.Name())
		return "", errUploadTooLarge
	}
	return tmpFile.Name(), nil
}

// Get returns the full record, including result fields once completed.
func (h *TranscriptHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := h.manager.Get(id)
	if err != nil {
		jsonError(w, "transcript not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, record, http.StatusOK)
}

// List returns paginated summaries with an optional status filter.
func (h *TranscriptHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	status := transcript.Status(r.URL.Query().Get("status"))

	items, total, err := h.manager.List(status, limit, offset)
	if err != nil {
		h.log.Error("list failed", zap.Error(err))
		jsonError(w, "failed to list transcripts", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"transcripts": items,
		"pagination": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	}, http.StatusOK)
}

// Delete removes the record outright.
func (h *TranscriptHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.manager.Delete(id)
	if err != nil {
		h.log.Error("delete failed", zap.String("id", id), zap.Error(err))
		jsonError(w, "failed to delete transcript", http.StatusInternalServerError)
		return
	}
	if !deleted {
		jsonError(w, "transcript not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"id": id, "status": "deleted"}, http.StatusOK)
}

// Export serves a derived representation of a completed transcript.
func (h *TranscriptHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := chi.URLParam(r, "format")

	record, err := h.manager.Get(id)
	if err != nil {
		jsonError(w, "transcript not found", http.StatusNotFound)
		return
	}
	if record.Status != transcript.StatusCompleted {
		jsonError(w, "transcript not ready", http.StatusBadRequest)
		return
	}

	switch format {
	case "srt":
		writeText(w, "text/srt", export.SRT(record.Utterances))
	case "vtt":
		writeText(w, "text/vtt", export.VTT(record.Utterances))
	case "txt":
		text := ""
		if record.Text != nil {
			text = *record.Text
		}
		writeText(w, "text/plain", text)
	case "tsv":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tsv"))
		writeText(w, "text/tab-separated-values", export.TSV(record.Utterances))
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".json"))
		jsonResponse(w, record, http.StatusOK)
	case "words":
		data, err := export.Words(record.Words)
		if err != nil {
			jsonError(w, "failed to render words", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	default:
		jsonError(w, "unknown export format: "+format, http.StatusNotFound)
	}
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.Write([]byte(body))
}
