package chat

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrRetrievalFailed      = errors.New("retrieval failed")
	ErrGenerationFailed     = errors.New("answer generation failed")
	ErrExportFailed         = errors.New("export failed")
	ErrTurnCanceled         = errors.New("chat turn canceled")
	ErrQuestionPending      = errors.New("an unanswered question is pending")
)
