package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	DefaultExtractModel = "gemini-2.0-flash"

	pdfMIME        = "application/pdf"
	noTextSentinel = "NO_TEXT_FOUND"
	minExtractLen  = 10

	extractInstruction = `Extract ALL text content from this PDF document.

Instructions:
- Extract every piece of text visible in the document
- Preserve the original language (including Malayalam, Arabic, Urdu, or any other language)
- Maintain paragraph structure where possible
- If there are multiple pages, extract text from all pages
- If the PDF contains scanned images of text, use OCR to extract the text
- Return ONLY the extracted text, no commentary or explanations
- If you cannot extract any text, respond with exactly: "NO_TEXT_FOUND"`
)

// DocumentExtractor reads the text out of PDFs with a vision model.
type DocumentExtractor struct {
	generator   Generator
	model       string
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *logger.Logger
}

// NewDocumentExtractor creates an extractor using extractModel, or the
// package default when empty.
func NewDocumentExtractor(generator Generator, extractModel string, maxAttempts int, log *logger.Logger) *DocumentExtractor {
	if extractModel == "" {
		extractModel = DefaultExtractModel
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultQuizAttempts
	}
	return &DocumentExtractor{
		generator:   generator,
		model:       extractModel,
		maxAttempts: maxAttempts,
		newBackOff:  defaultBackOff,
		logger:      log,
	}
}

// ExtractPDF returns the text of the PDF in data. Content that does not sniff
// as a PDF is rejected before any upstream call.
func (e *DocumentExtractor) ExtractPDF(ctx context.Context, data []byte) (*model.ExtractedDocument, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: No file provided", ErrInvalidArgument)
	}
	if mt := mimetype.Detect(data); !mt.Is(pdfMIME) {
		return nil, fmt.Errorf("%w: unsupported media type %s", ErrInvalidArgument, mt.String())
	}

	req := &llm.GenerateRequest{
		Model: e.model,
		Contents: []llm.Content{{Role: "user", Parts: []llm.Part{
			{InlineData: &llm.Blob{MimeType: pdfMIME, Data: base64.StdEncoding.EncodeToString(data)}},
			{Text: extractInstruction},
		}}},
	}

	resp, err := generateWithBackOff(ctx, e.generator, req, e.newBackOff(), e.maxAttempts, e.logger, "extract_pdf")
	if err != nil {
		return nil, fmt.Errorf("pdf extraction failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == noTextSentinel || len([]rune(strings.TrimSpace(text))) < minExtractLen {
		e.logger.Info("pdf yielded no text", zap.Int("bytes", len(data)))
		return nil, ErrNoText
	}
	return &model.ExtractedDocument{Text: text, Method: "gemini-vision"}, nil
}
