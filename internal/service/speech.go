package service

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	DefaultSpeechModel = "gemini-2.5-flash-preview-tts"
	DefaultVoice       = "Charon"

	maxSpeechRunes   = 8000
	truncatedSuffix  = "... (Text truncated for TTS)"
	speechMaxAttempt = 2
)

// Voices are the prebuilt voices the speech model accepts.
var Voices = []string{
	"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Leda", "Orus", "Aoede",
	"Callirrhoe", "Autonoe", "Enceladus", "Iapetus", "Umbriel", "Algieba",
	"Despina", "Erinome", "Algenib", "Rasalgethi", "Laomedeia", "Achernar",
	"Alnilam", "Schedar", "Gacrux", "Pulcherrima", "Achird", "Zubenelgenubi",
	"Vindemiatrix", "Sadachbia", "Sadaltager", "Sulafat",
}

// Applied in order; code blocks go before inline code.
var markdownRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile(`#{1,6}\s`), ""},
	{regexp.MustCompile("(?s)```.*?```"), ""},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
}

// SpeechService reads answers aloud with the speech model.
type SpeechService struct {
	generator    Generator
	model        string
	defaultVoice string
	newBackOff   func() backoff.BackOff
	logger       *logger.Logger
}

// NewSpeechService creates a speech service. Empty model or voice use the
// package defaults.
func NewSpeechService(generator Generator, speechModel, voice string, log *logger.Logger) *SpeechService {
	if speechModel == "" {
		speechModel = DefaultSpeechModel
	}
	if voice == "" {
		voice = DefaultVoice
	}
	return &SpeechService{
		generator:    generator,
		model:        speechModel,
		defaultVoice: voice,
		newBackOff:   defaultBackOff,
		logger:       log,
	}
}

// Synthesize returns base64 audio for text spoken in voice.
func (s *SpeechService) Synthesize(ctx context.Context, text, voice string) (*model.SpeechResponse, error) {
	clean := SpeakableText(text)
	if clean == "" {
		return nil, ErrNothingToRead
	}
	if voice == "" {
		voice = s.defaultVoice
	}
	if !slices.Contains(Voices, voice) {
		return nil, fmt.Errorf("%w: unknown voice %q", ErrInvalidArgument, voice)
	}

	req := &llm.GenerateRequest{
		Model:    s.model,
		Contents: []llm.Content{{Parts: []llm.Part{{Text: clean}}}},
		GenerationConfig: &llm.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &llm.SpeechConfig{
				VoiceConfig: llm.VoiceConfig{PrebuiltVoiceConfig: llm.PrebuiltVoiceConfig{VoiceName: voice}},
			},
		},
	}

	resp, err := generateWithBackOff(ctx, s.generator, req, s.newBackOff(), speechMaxAttempt, s.logger, "speech")
	if err != nil {
		return nil, fmt.Errorf("speech generation failed: %w", err)
	}
	audio := resp.InlineData()
	if audio == nil || audio.MimeType == "" {
		s.logger.Warn("speech response without audio", zap.String("voice", voice))
		return nil, ErrNoAudio
	}
	return &model.SpeechResponse{AudioData: audio.Data, MimeType: audio.MimeType}, nil
}

// SpeakableText strips markdown and caps the length the speech model accepts.
func SpeakableText(text string) string {
	for _, rule := range markdownRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxSpeechRunes {
		text = string(r[:maxSpeechRunes]) + truncatedSuffix
	}
	return text
}
