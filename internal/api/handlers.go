package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"docchat/internal/chat"
	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/redis"
	"docchat/internal/report"
)

// Pipeline is the document ingestion surface used by the HTTP layer.
type Pipeline interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (*models.Document, error)
	Extract(ctx context.Context, fileID string) (*models.Document, error)
	Embed(ctx context.Context, fileID string) (*models.Document, error)
	Delete(ctx context.Context, fileID string) error
	Get(ctx context.Context, fileID string) (*models.Document, error)
	List(ctx context.Context) ([]*models.Document, error)
}

// Chat is the conversation surface used by the HTTP layer.
type Chat interface {
	Turn(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	GetLatest(ctx context.Context) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	Rename(ctx context.Context, id, title string) error
	Delete(ctx context.Context, id string) error
	Export(ctx context.Context, id string) ([]byte, *models.Conversation, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]models.Passage, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Services struct {
	Pipeline Pipeline
	Chat     Chat
	Search   Searcher
	Vectors  HealthChecker
	// Events is optional; without it /pdf/events answers 503.
	Events *redis.Client
	Logger *logger.Logger
}

type Options struct {
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Handler wires HTTP routes to the pipeline and chat orchestrators.
type Handler struct {
	pipeline  Pipeline
	chat      Chat
	search    Searcher
	vectors   HealthChecker
	events    *redis.Client
	log       *logger.Logger
	maxUpload int64
	origins   []string
}

// NewHandler constructs a Handler instance.
func NewHandler(svc Services, opts Options) *Handler {
	if svc.Logger == nil {
		svc.Logger = logger.Nop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		pipeline:  svc.Pipeline,
		chat:      svc.Chat,
		search:    svc.Search,
		vectors:   svc.Vectors,
		events:    svc.Events,
		log:       svc.Logger.With("component", "http"),
		maxUpload: opts.MaxUploadBytes,
		origins:   opts.CORSOrigins,
	}
}

// RegisterRoutes attaches middleware and all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(gin.Recovery(), requestLogger(h.log), corsMiddleware(h.origins), limitUploadSize(h.maxUpload))

	router.GET("/health", h.health)
	router.GET("/health/vector", h.vectorHealth)
	router.POST("/search", h.searchPassages)

	chatRoutes := router.Group("/chat")
	chatRoutes.POST("", h.chatTurn)
	chatRoutes.GET("/latest", h.latestConversation)
	chatRoutes.GET("/conversations", h.listConversations)
	chatRoutes.GET("/:id", h.getConversation)
	chatRoutes.PATCH("/:id/rename", h.renameConversation)
	chatRoutes.GET("/:id/report", h.exportConversation)
	chatRoutes.DELETE("/:id", h.deleteConversation)

	pdfRoutes := router.Group("/pdf")
	pdfRoutes.GET("/list", h.listDocuments)
	pdfRoutes.GET("/events", h.documentEvents)
	pdfRoutes.POST("/upload", h.uploadDocument)
	pdfRoutes.POST("/extract/:file_id", h.extractDocument)
	pdfRoutes.POST("/embed/:file_id", h.embedDocument)
	pdfRoutes.GET("/:file_id", h.getDocument)
	pdfRoutes.DELETE("/:file_id", h.deleteDocument)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"gin_version": gin.Version,
		"timestamp":   time.Now().UTC(),
	})
}

func (h *Handler) vectorHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.vectors.Health(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": gin.H{"error": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vector_store": "ok"})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
}

func (h *Handler) searchPassages(c *gin.Context) {
	req := searchRequest{Query: c.Query("query")}
	if raw := c.Query("top_k"); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "top_k must be an integer")
			return
		}
		req.TopK = &topK
	}
	if req.Query == "" && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	topK := 5
	if req.TopK != nil {
		topK = *req.TopK
	}
	if topK < 1 {
		badRequest(c, "top_k must be positive")
		return
	}
	results, err := h.search.Search(c.Request.Context(), req.Query, topK)
	if err != nil {
		h.fail(c, err)
		return
	}
	if results == nil {
		results = make([]models.Passage, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"query":   req.Query,
		"top_k":   topK,
		"results": results,
	})
}

// chat routes

type chatRequest struct {
	Question       string `json:"question"`
	TopK           *int   `json:"top_k"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (h *Handler) chatTurn(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.chat.Turn(c.Request.Context(), chat.TurnRequest{
		Question:       req.Question,
		TopK:           req.TopK,
		ConversationID: req.ConversationID,
		Title:          req.Title,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) latestConversation(c *gin.Context) {
	conv, err := h.chat.GetLatest(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if conv == nil {
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": nil,
			"messages":        make([]*models.Message, 0),
		})
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (h *Handler) listConversations(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := h.chat.ListConversations(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if convs == nil {
		convs = make([]models.ConversationSummary, 0)
	}
	c.JSON(http.StatusOK, convs)
}

func (h *Handler) getConversation(c *gin.Context) {
	conv, err := h.chat.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (h *Handler) renameConversation(c *gin.Context) {
	id := c.Param("id")
	title := c.Query("new_title")
	if err := h.chat.Rename(c.Request.Context(), id, title); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"title":           strings.TrimSpace(title),
	})
}

func (h *Handler) exportConversation(c *gin.Context) {
	data, conv, err := h.chat.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, report.Filename(conv, time.Now())))
	c.Data(http.StatusOK, "application/pdf", data)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.chat.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "deleted": true})
}

func conversationView(conv *models.Conversation) gin.H {
	msgs := conv.Messages
	if msgs == nil {
		msgs = make([]*models.Message, 0)
	}
	return gin.H{
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"created_at":      conv.CreatedAt,
		"updated_at":      conv.UpdatedAt,
		"messages":        msgs,
	}
}

// pdf routes

func (h *Handler) listDocuments(c *gin.Context) {
	docs, err := h.pipeline.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(docs))
	for _, doc := range docs {
		out = append(out, gin.H{
			"file_id":           doc.FileID,
			"original_filename": doc.OriginalFilename,
			"status":            doc.Status.External(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) uploadDocument(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": uploadLimitMessage(h.maxUpload)})
			return
		}
		badRequest(c, "file is required")
		return
	}
	f, err := file.Open()
	if err != nil {
		badRequest(c, "open file failed")
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		badRequest(c, "read file failed")
		return
	}
	doc, err := h.pipeline.Upload(c.Request.Context(), data, file.Filename, file.Header.Get("Content-Type"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"file_id":           doc.FileID,
		"original_filename": doc.OriginalFilename,
		"status":            doc.Status.External(),
	})
}

func (h *Handler) extractDocument(c *gin.Context) {
	h.triggerStage(c, models.StageExtraction, h.pipeline.Extract)
}

func (h *Handler) embedDocument(c *gin.Context) {
	h.triggerStage(c, models.StageEmbedding, h.pipeline.Embed)
}

func (h *Handler) triggerStage(c *gin.Context, stage models.Stage, trigger func(context.Context, string) (*models.Document, error)) {
	doc, err := trigger(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"file_id": doc.FileID,
		"stage":   stage,
		"status":  doc.Status.External(),
	})
}

func (h *Handler) getDocument(c *gin.Context) {
	doc, err := h.pipeline.Get(c.Request.Context(), c.Param("file_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := gin.H{
		"file_id":           doc.FileID,
		"original_filename": doc.OriginalFilename,
		"status":            doc.Status.External(),
		"size_bytes":        doc.SizeBytes,
		"file_hash":         doc.FileHash,
		"chunk_count":       doc.ChunkCount,
		"created_at":        doc.CreatedAt,
		"updated_at":        doc.UpdatedAt,
	}
	if doc.Status == models.StatusFailed {
		out["failure_stage"] = doc.FailureStage
		out["failure_reason"] = doc.FailureReason
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deleteDocument(c *gin.Context) {
	fileID := c.Param("file_id")
	if err := h.pipeline.Delete(c.Request.Context(), fileID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_id": fileID, "deleted": true})
}
