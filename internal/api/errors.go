package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docchat/internal/chat"
	"docchat/internal/pipeline"
	"docchat/internal/service/retrieval"
	"docchat/internal/worker"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var docErr *pipeline.DocumentError
	switch {
	case errors.As(err, &docErr):
		if docErr.Unsupported {
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDocumentNotFound),
		errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrInvalidParameter),
		errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrStageInFlight),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, chat.ErrTurnCanceled),
		errors.Is(err, chat.ErrQuestionPending):
		return http.StatusConflict
	case errors.Is(err, chat.ErrRetrievalFailed),
		errors.Is(err, chat.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		msg = "server is busy, please retry"
	case status == http.StatusInternalServerError && !errors.Is(err, chat.ErrExportFailed):
		h.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"detail": gin.H{"error": msg}})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": gin.H{"error": msg}})
}
