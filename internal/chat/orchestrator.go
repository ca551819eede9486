package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/config"
	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/service/conversation"
	"docchat/internal/worker"
)

// Retriever returns the passages most relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]models.Passage, error)
}

// Generator is the language model side of a turn.
type Generator interface {
	Answer(ctx context.Context, question string, passages []models.Passage, history []*models.Message) (string, error)
	RewriteQuery(ctx context.Context, question string, history []*models.Message) (string, error)
	GenerateTitle(ctx context.Context, question, answer string) (string, error)
	ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error)
}

// Renderer turns a conversation into an exportable document.
type Renderer interface {
	Render(conv *models.Conversation) ([]byte, error)
}

type Dependencies struct {
	Conversations *conversation.Store
	Retriever     Retriever
	Generator     Generator
	Renderer      Renderer
	Dispatcher    *worker.Dispatcher
	Cache         SnapshotCache
	Logger        *logger.Logger
}

type TurnRequest struct {
	Question       string
	TopK           *int
	ConversationID string
	Title          string
}

type TurnResult struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
	Rewrite        string `json:"rewrite,omitempty"`
	Answer         string `json:"answer"`
	Title          string `json:"title,omitempty"`
	ChunksUsed     int    `json:"chunks_used"`
}

// Orchestrator runs chat turns and manages conversation lifecycle.
// Turns are dispatcher jobs keyed by conversation id, so they never interleave
// within a conversation.
type Orchestrator struct {
	convs      *conversation.Store
	retriever  Retriever
	generator  Generator
	renderer   Renderer
	dispatcher *worker.Dispatcher
	snapshots  *snapshotGuard
	cfg        config.ChatConfig
	log        *logger.Logger
}

func NewOrchestrator(deps Dependencies, cfg config.ChatConfig) (*Orchestrator, error) {
	if deps.Conversations == nil || deps.Dispatcher == nil {
		return nil, errors.New("conversation store and dispatcher are required")
	}
	if deps.Retriever == nil || deps.Generator == nil || deps.Renderer == nil {
		return nil, errors.New("retriever, generator and renderer are required")
	}
	if deps.Cache == nil {
		deps.Cache = nopCache{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK < cfg.DefaultTopK {
		cfg.MaxTopK = max(cfg.DefaultTopK, 50)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.LatestLimit <= 0 {
		cfg.LatestLimit = 10
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 20
	}
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = "New chat"
	}
	return &Orchestrator{
		convs:      deps.Conversations,
		retriever:  deps.Retriever,
		generator:  deps.Generator,
		renderer:   deps.Renderer,
		dispatcher: deps.Dispatcher,
		snapshots:  newSnapshotGuard(deps.Cache),
		cfg:        cfg,
		log:        deps.Logger.With("component", "chat"),
	}, nil
}

type turnOutcome struct {
	result *TurnResult
	err    error
}

// Turn answers one question. The user message is stored before retrieval and
// kept when retrieval or generation fails.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", ErrInvalidParameter)
	}
	topK := o.cfg.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	if topK < 1 || topK > o.cfg.MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidParameter, o.cfg.MaxTopK)
	}

	conv, created, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome := make(chan turnOutcome, 1)
	handle, err := o.dispatcher.Submit(conv.ID, "chat:turn", func(jobCtx context.Context) {
		turnCtx, cancel := o.turnContext(jobCtx)
		defer cancel()
		// a caller that stops waiting cancels the turn
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		if created {
			if err := o.create(turnCtx, conv); err != nil {
				outcome <- turnOutcome{err: err}
				return
			}
		}
		res, err := o.runTurn(turnCtx, conv, created, question, topK)
		outcome <- turnOutcome{result: res, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule turn: %w", err)
	}

	select {
	case out := <-outcome:
		return out.result, out.err
	case <-handle.Done():
		select {
		case out := <-outcome:
			return out.result, out.err
		default:
		}
		return nil, ErrTurnCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.TurnTimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(o.cfg.TurnTimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

// resolve loads the requested conversation. A new conversation is only
// described here; the turn job creates it once the dispatcher accepted the turn.
func (o *Orchestrator) resolve(ctx context.Context, req TurnRequest) (*models.Conversation, bool, error) {
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		conv, err := o.convs.Get(ctx, id)
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, false, ErrConversationNotFound
		}
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = o.cfg.DefaultTitle
	}
	return &models.Conversation{ID: uuid.NewString(), Title: title}, true, nil
}

func (o *Orchestrator) create(ctx context.Context, conv *models.Conversation) error {
	stored, err := o.convs.CreateWithID(ctx, conv.ID, conv.Title)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	*conv = *stored
	o.log.Info("conversation created", "conversation_id", conv.ID, "title", conv.Title)
	return nil
}

func (o *Orchestrator) runTurn(ctx context.Context, conv *models.Conversation, created bool, question string, topK int) (*TurnResult, error) {
	log := o.log.With("conversation_id", conv.ID)
	defer o.snapshots.Invalidate(context.WithoutCancel(ctx), conv.ID)

	history, err := o.convs.History(ctx, conv.ID, o.cfg.HistoryLimit+1)
	if err != nil {
		return nil, o.storeError(err)
	}
	userMsg, history, err := o.recordQuestion(ctx, conv.ID, question, history)
	if err != nil {
		return nil, err
	}
	if len(history) > o.cfg.HistoryLimit {
		history = history[len(history)-o.cfg.HistoryLimit:]
	}

	query := question
	if o.cfg.RewriteQueries && len(history) > 0 {
		rewritten, err := o.generator.RewriteQuery(ctx, question, history)
		if err != nil {
			log.Warn("query rewrite failed, using raw question", "error", err)
		} else if rewritten != "" {
			query = rewritten
		}
	}
	var emotion models.Sentiment
	if o.cfg.DetectSentiment {
		emotion, err = o.generator.ClassifySentiment(ctx, question)
		if err != nil {
			log.Warn("sentiment detection failed", "error", err)
		}
	}
	rewrite := ""
	if query != question {
		rewrite = query
	}
	if userMsg.Rewrite != rewrite || userMsg.Emotion != emotion {
		userMsg.Rewrite, userMsg.Emotion = rewrite, emotion
		if err := o.convs.UpdateMessage(ctx, userMsg); err != nil {
			return nil, o.storeError(err)
		}
	}

	passages, err := o.retriever.Search(ctx, query, topK)
	if err != nil {
		log.Error("retrieval failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	answer, err := o.generator.Answer(ctx, query, passages, history)
	if err != nil {
		log.Error("answer generation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if _, err := o.convs.AppendMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        answer,
	}); err != nil {
		return nil, o.storeError(err)
	}

	title := conv.Title
	if created && o.cfg.GenerateTitles && title == o.cfg.DefaultTitle {
		title = o.generateTitle(ctx, conv.ID, question, answer, title)
	}
	log.Info("turn completed", "chunks_used", len(passages), "rewritten", rewrite != "")
	return &TurnResult{
		ConversationID: conv.ID,
		Question:       question,
		Rewrite:        rewrite,
		Answer:         answer,
		Title:          title,
		ChunksUsed:     len(passages),
	}, nil
}

// recordQuestion appends the user message, or reuses the unanswered one left by
// a failed turn. A different question is refused until the pending one is
// answered. It returns the message and the history preceding it.
func (o *Orchestrator) recordQuestion(ctx context.Context, id, question string, history []*models.Message) (*models.Message, []*models.Message, error) {
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser {
		dangling := history[n-1]
		if dangling.Content != question {
			return nil, nil, fmt.Errorf("%w: retry %q first", ErrQuestionPending, dangling.Content)
		}
		o.log.Debug("reusing unanswered question", "conversation_id", id, "message_id", dangling.ID)
		return dangling, history[:n-1], nil
	}
	msg, err := o.convs.AppendMessage(ctx, models.Message{
		ConversationID: id,
		Role:           models.RoleUser,
		Content:        question,
	})
	if err != nil {
		return nil, nil, o.storeError(err)
	}
	return msg, history, nil
}

func (o *Orchestrator) generateTitle(ctx context.Context, id, question, answer, fallback string) string {
	title, err := o.generator.GenerateTitle(ctx, question, answer)
	if err == nil {
		title = strings.TrimSpace(title)
	}
	if err != nil || title == "" {
		if err != nil {
			o.log.Warn("title generation failed", "conversation_id", id, "error", err)
		}
		return fallback
	}
	if err := o.convs.Rename(ctx, id, title); err != nil {
		o.log.Warn("store generated title failed", "conversation_id", id, "error", err)
		return fallback
	}
	return title
}

func (o *Orchestrator) storeError(err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// GetLatest returns the most recently active conversation with its latest
// messages, or nil when there is none.
func (o *Orchestrator) GetLatest(ctx context.Context) (*models.Conversation, error) {
	conv, err := o.convs.Latest(ctx, o.cfg.LatestLimit)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// ListConversations returns summaries, most recently active first.
func (o *Orchestrator) ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = o.cfg.ListLimit
	}
	return o.convs.List(ctx, limit)
}

func (o *Orchestrator) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	fill := o.snapshots.begin(id)
	if conv, ok := o.snapshots.cache.Load(ctx, id); ok {
		o.snapshots.abort(fill)
		return conv, nil
	}
	conv, err := o.convs.Get(ctx, id)
	if err != nil {
		o.snapshots.abort(fill)
		return nil, o.storeError(err)
	}
	o.snapshots.commit(ctx, fill, conv)
	return conv, nil
}

func (o *Orchestrator) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidParameter)
	}
	if err := o.convs.Rename(ctx, id, title); err != nil {
		return o.storeError(err)
	}
	o.snapshots.Invalidate(ctx, id)
	return nil
}

// Delete removes a conversation and its messages, canceling any queued or running turn.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.dispatcher.Cancel(id)
	if err := o.convs.Delete(ctx, id); err != nil {
		return o.storeError(err)
	}
	o.snapshots.Invalidate(ctx, id)
	o.log.Info("conversation deleted", "conversation_id", id)
	return nil
}

// Export renders the full conversation.
func (o *Orchestrator) Export(ctx context.Context, id string) ([]byte, *models.Conversation, error) {
	conv, err := o.convs.Get(ctx, id)
	if err != nil {
		return nil, nil, o.storeError(err)
	}
	data, err := o.renderer.Render(conv)
	if err != nil {
		o.log.Error("render conversation failed", "conversation_id", id, "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	return data, conv, nil
}
