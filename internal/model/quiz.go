package model

// QuizRequest is the body of POST /api/v1/quiz.
type QuizRequest struct {
	SourceDocument string `json:"sourceDocument" validate:"required"`
}

// QuizQuestion is one multiple-choice question.
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// Quiz is the generated quiz payload.
type Quiz struct {
	Questions []QuizQuestion `json:"questions"`
}

// QuizResponse wraps a generated quiz.
type QuizResponse struct {
	QuizData *Quiz `json:"quizData"`
}
