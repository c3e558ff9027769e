package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	maxSpeechBody = 1 << 20
	maxAnswerBody = 4 << 20
)

// Speaker turns text into audio.
type Speaker interface {
	Synthesize(ctx context.Context, text, voice string) (*model.SpeechResponse, error)
}

// AnswerKeyer finds or writes a document's answer key.
type AnswerKeyer interface {
	AnswerKey(ctx context.Context, document string) (*model.AnswerKey, error)
}

// PDFExtractor reads text out of a PDF.
type PDFExtractor interface {
	ExtractPDF(ctx context.Context, data []byte) (*model.ExtractedDocument, error)
}

// MediaHandler handles speech, answer key and PDF extraction requests.
type MediaHandler struct {
	speech            Speaker
	answers           AnswerKeyer
	documents         PDFExtractor
	maxUploadBytes    int64
	defaultRetryAfter time.Duration
	logger            *logger.Logger
}

// NewMediaHandler creates a new media handler.
func NewMediaHandler(speech Speaker, answers AnswerKeyer, documents PDFExtractor, maxUploadBytes int64, defaultRetryAfter time.Duration, log *logger.Logger) *MediaHandler {
	return &MediaHandler{
		speech:            speech,
		answers:           answers,
		documents:         documents,
		maxUploadBytes:    maxUploadBytes,
		defaultRetryAfter: defaultRetryAfter,
		logger:            log,
	}
}

// Speech handles POST /api/v1/tts
func (h *MediaHandler) Speech(w http.ResponseWriter, r *http.Request) {
	var req model.SpeechRequest
	if err := middleware.DecodeJSON(w, r, &req, maxSpeechBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Nothing to read aloud.")
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), req.TextToSpeak, req.Voice)
	if err != nil {
		writeServiceError(w, err, h.defaultRetryAfter, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, audio)
}

// AnswerKey handles POST /api/v1/answers
func (h *MediaHandler) AnswerKey(w http.ResponseWriter, r *http.Request) {
	var req model.AnswerKeyRequest
	if err := middleware.DecodeJSON(w, r, &req, maxAnswerBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	key, err := h.answers.AnswerKey(r.Context(), req.SourceDocument)
	if err != nil {
		writeServiceError(w, err, h.defaultRetryAfter, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ExtractPDF handles POST /api/v1/documents/extract (multipart field "file")
func (h *MediaHandler) ExtractPDF(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "No file provided")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "No file provided")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read upload")
		return
	}

	doc, err := h.documents.ExtractPDF(r.Context(), data)
	if err != nil {
		writeServiceError(w, err, h.defaultRetryAfter, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
