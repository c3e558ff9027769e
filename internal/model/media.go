package model

// SpeechRequest is the body of POST /api/v1/tts.
type SpeechRequest struct {
	TextToSpeak string `json:"textToSpeak" validate:"required"`
	Voice       string `json:"voice,omitempty" validate:"omitempty,max=64"`
}

// SpeechResponse carries base64 audio as returned by the speech model.
type SpeechResponse struct {
	AudioData string `json:"audioData"`
	MimeType  string `json:"mimeType"`
}

// AnswerKeyRequest is the body of POST /api/v1/answers.
type AnswerKeyRequest struct {
	SourceDocument string `json:"sourceDocument"`
}

// Answer is one question and its answer.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// AnswerKey is either the answer key found in a document or one generated
// for it.
type AnswerKey struct {
	HasAnswers bool     `json:"hasAnswers"`
	Answers    []Answer `json:"answers"`
	Generated  bool     `json:"generated,omitempty"`
}

// ExtractedDocument is the text read out of an uploaded PDF.
type ExtractedDocument struct {
	Text   string `json:"text"`
	Method string `json:"method"`
}
