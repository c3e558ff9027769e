package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Blob is base64 inline media, such as a PDF sent for extraction or audio
// returned by a speech model.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one piece of content.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Content is a list of parts with an optional role.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Tool enables a server-side tool for the request.
type Tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

// GoogleSearchTool returns the web-search grounding tool.
func GoogleSearchTool() Tool {
	return Tool{GoogleSearch: &struct{}{}}
}

// GenerationConfig holds sampling parameters.
type GenerationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   any     `json:"responseSchema,omitempty"`

	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects the voice of an audio response.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// GenerateRequest is the body of a generateContent call. Model overrides the
// client's model for this call and is not serialized.
type GenerateRequest struct {
	Model             string            `json:"-"`
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// WebSource is the web reference inside a grounding record.
type WebSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingAttribution is a legacy grounding record.
type GroundingAttribution struct {
	Web *WebSource `json:"web,omitempty"`
}

// GroundingChunk is the current grounding record.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

// GroundingMetadata carries web search provenance.
type GroundingMetadata struct {
	GroundingAttributions []GroundingAttribution `json:"groundingAttributions,omitempty"`
	GroundingChunks       []GroundingChunk       `json:"groundingChunks,omitempty"`
}

// Candidate is one generated alternative.
type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// GenerateResponse is one response object, or one event of a stream.
type GenerateResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// InlineData returns the first inline media part of the first candidate.
func (r *GenerateResponse) InlineData() *Blob {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			return p.InlineData
		}
	}
	return nil
}

const apiKeyHeader = "x-goog-api-key"

// GeminiClient issues raw generateContent calls. It does not interpret status
// codes; the Dispatcher and callers do.
type GeminiClient struct {
	baseURL string
	model   string
	hc      *http.Client
}

// NewGeminiClient creates a client for model at baseURL. The transport is
// instrumented with OpenTelemetry; no client-level timeout is set because
// streamed bodies are bounded by the caller's context.
func NewGeminiClient(baseURL, model string) *GeminiClient {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "Gemini " + r.Method + " " + r.URL.Host
		}),
	)
	return &GeminiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		hc:      &http.Client{Transport: transport},
	}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// StreamGenerate opens a streamGenerateContent SSE call. The caller owns the
// response body.
func (c *GeminiClient) StreamGenerate(ctx context.Context, apiKey string, req *GenerateRequest) (*http.Response, error) {
	return c.post(ctx, "streamGenerateContent", url.Values{"alt": {"sse"}}, apiKey, req)
}

// Generate performs a unary generateContent call. The caller owns the
// response body.
func (c *GeminiClient) Generate(ctx context.Context, apiKey string, req *GenerateRequest) (*http.Response, error) {
	return c.post(ctx, "generateContent", nil, apiKey, req)
}

// post sends the key in the x-goog-api-key header so it never appears in a
// URL, a transport error or a span attribute.
func (c *GeminiClient) post(ctx context.Context, method string, query url.Values, apiKey string, req *GenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// readSnippet reads at most n bytes of r.
func readSnippet(r io.Reader, n int64) []byte {
	if r == nil || n <= 0 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return b
}
