package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"docchat/internal/logger"
	"docchat/internal/models"
)

// NoContextAnswer is returned without a model call when retrieval found nothing.
const NoContextAnswer = "I do not know based on the provided documents."

const (
	answerPrompt = "You are an AI assistant answering questions using the provided document context. " +
		"Use the context as the primary source of information. " +
		"If the question requires a simple transformation, calculation, or conversion " +
		"(such as currency conversion or unit conversion) based on values found in the context, " +
		"you may perform that transformation using general knowledge. " +
		"If the context does not provide any relevant information at all, say you do not know."

	rewritePrompt = "Rewrite the user's latest question into a fully self-contained " +
		"question using the prior messages as context. " +
		"If the question is already self-contained, return it unchanged."

	titlePrompt = "You are a conversation title generator. " +
		"Based on the first question and answer of a conversation, generate a concise and accurate title. " +
		"The title should be at most six words and summarize the main topic of the conversation. " +
		"Output only the title; do not include any additional content."

	sentimentPrompt = "Classify the sentiment of the user's message. " +
		"Answer with exactly one word: positive, neutral or negative."

	rewriteWindow = 4
)

// Generator produces answers, rewritten queries, titles and sentiment labels with a chat model.
type Generator struct {
	chatModel    model.BaseChatModel
	defaultTitle string
	log          *logger.Logger
}

func NewGenerator(chatModel model.BaseChatModel, defaultTitle string, log *logger.Logger) (*Generator, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if defaultTitle == "" {
		defaultTitle = "New chat"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{chatModel: chatModel, defaultTitle: defaultTitle, log: log.With("component", "generator")}, nil
}

// Answer responds to question from the retrieved passages and the prior conversation.
func (g *Generator) Answer(ctx context.Context, question string, passages []models.Passage, history []*models.Message) (string, error) {
	if len(passages) == 0 {
		return NoContextAnswer, nil
	}
	chunks := make([]string, len(passages))
	for i, p := range passages {
		chunks[i] = p.Text
	}
	docContext := strings.Join(chunks, "\n\n---\n\n")

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(answerPrompt))
	messages = append(messages, convertMessages(history, false)...)
	messages = append(messages, schema.UserMessage(fmt.Sprintf("Context:\n%s\n\nQuestion:\n%s", docContext, question)))

	resp, err := g.chatModel.Generate(ctx, messages, model.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("generate answer failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// RewriteQuery turns a follow-up question into a self-contained one using the
// last few messages. Without history the question is returned unchanged.
func (g *Generator) RewriteQuery(ctx context.Context, question string, history []*models.Message) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	if len(history) > rewriteWindow {
		history = history[len(history)-rewriteWindow:]
	}
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(rewritePrompt))
	messages = append(messages, convertMessages(history, true)...)
	messages = append(messages, schema.UserMessage(question))

	resp, err := g.chatModel.Generate(ctx, messages, model.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("rewrite query failed: %w", err)
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}

func (g *Generator) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return g.defaultTitle, nil
	}
	userPrompt := fmt.Sprintf("Please generate a clean title using following conversation messages:\n\nUser: %s\nAssistant: %s\n", question, answer)
	resp, err := g.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage(userPrompt),
	})
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title := strings.Trim(strings.TrimSpace(resp.Content), "\"'")
	if title == "" {
		return g.defaultTitle, nil
	}
	return title, nil
}

// ClassifySentiment labels text as positive, neutral or negative.
func (g *Generator) ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error) {
	resp, err := g.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(sentimentPrompt),
		schema.UserMessage(text),
	}, model.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("classify sentiment failed: %w", err)
	}
	label := strings.ToLower(strings.Trim(strings.TrimSpace(resp.Content), ".!\"'"))
	switch models.Sentiment(label) {
	case models.SentimentPositive, models.SentimentNegative:
		return models.Sentiment(label), nil
	default:
		return models.SentimentNeutral, nil
	}
}

// convertMessages maps stored messages to eino messages. With preferRewrite the
// rewritten form of a user question is used when one was stored.
func convertMessages(history []*models.Message, preferRewrite bool) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		content := msg.Content
		if preferRewrite && msg.Rewrite != "" {
			content = msg.Rewrite
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: content})
	}
	return messages
}
