package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"docchat/internal/models"
)

const (
	margin      = 40.0
	timeLayout  = "2006-01-02 15:04:05"
	lineHeight  = 14.0
	barMaxWidth = 300.0
)

var sentimentMarkers = map[models.Sentiment]string{
	models.SentimentPositive: ":)",
	models.SentimentNeutral:  ":|",
	models.SentimentNegative: ":(",
}

// Renderer produces paginated A4 PDF transcripts of conversations.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

type tally struct {
	positive, neutral, negative int
	score                       int
	questions                   int
}

func (r *Renderer) Render(conv *models.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, fmt.Errorf("conversation is required")
	}
	doc := fpdf.New("P", "pt", "A4", "")
	doc.SetMargins(margin, margin, margin)
	doc.SetAutoPageBreak(true, margin)
	doc.SetTitle(conv.Title, true)
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.AddPage()

	title := conv.Title
	if title == "" {
		title = "Conversation Report"
	}
	doc.SetFont("Helvetica", "B", 18)
	doc.MultiCell(0, 22, tr(title), "", "C", false)
	doc.Ln(12)

	labelled(doc, tr, "Conversation ID:", conv.ID)
	if !conv.CreatedAt.IsZero() {
		labelled(doc, tr, "Created:", conv.CreatedAt.UTC().Format(timeLayout)+" GMT")
	}
	if !conv.UpdatedAt.IsZero() {
		labelled(doc, tr, "Last updated:", conv.UpdatedAt.UTC().Format(timeLayout)+" GMT")
	}
	doc.Ln(20)

	var t tally
	msgs := conv.Messages
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		if msg.Role != models.RoleUser {
			continue
		}
		t.questions++
		line := msg.Content
		if marker, ok := sentimentMarkers[msg.Emotion]; ok {
			line = fmt.Sprintf("%s [%s]", line, marker)
			t.add(msg.Emotion)
		}
		labelled(doc, tr, "You:", line)
		doc.Ln(6)
		if i+1 < len(msgs) && msgs[i+1].Role == models.RoleAssistant {
			labelled(doc, tr, "AI:", msgs[i+1].Content)
			i++
		}
		doc.Ln(14)
	}

	doc.Ln(6)
	labelled(doc, tr, "Sentiment summary:", t.summary())
	if t.positive+t.neutral+t.negative > 0 {
		doc.Ln(8)
		t.draw(doc)
	}

	if err := doc.Error(); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return buf.Bytes(), nil
}

func labelled(doc *fpdf.Fpdf, tr func(string) string, label, text string) {
	doc.SetFont("Helvetica", "B", 11)
	width := doc.GetStringWidth(label + " ")
	doc.CellFormat(width, lineHeight, tr(label), "", 0, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	doc.MultiCell(0, lineHeight, tr(text), "", "L", false)
}

func (t *tally) add(s models.Sentiment) {
	switch s {
	case models.SentimentPositive:
		t.positive++
		t.score++
	case models.SentimentNegative:
		t.negative++
		t.score--
	default:
		t.neutral++
	}
}

func (t *tally) summary() string {
	switch {
	case t.score > 1:
		return "The conversation maintained a generally positive tone, indicating engagement and confidence."
	case t.score < -1:
		return "The conversation maintained a generally negative tone, indicating signs of frustration and lack of engagement."
	default:
		return "The conversation remained mostly neutral and balanced, neither overly positive nor negative."
	}
}

// draw renders the share of each sentiment among the questions as horizontal bars.
func (t *tally) draw(doc *fpdf.Fpdf) {
	rows := []struct {
		label   string
		count   int
		r, g, b int
	}{
		{"Positive", t.positive, 0, 128, 13},
		{"Neutral", t.neutral, 0, 51, 128},
		{"Negative", t.negative, 153, 0, 0},
	}
	doc.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		share := 0.0
		if t.questions > 0 {
			share = float64(row.count) * 100 / float64(t.questions)
		}
		x, y := doc.GetXY()
		doc.CellFormat(60, lineHeight, row.label, "", 0, "L", false, 0, "")
		doc.SetFillColor(row.r, row.g, row.b)
		if w := barMaxWidth * share / 100; w > 0 {
			doc.Rect(x+60, y+3, w, lineHeight-6, "F")
		}
		doc.SetXY(x+60+barMaxWidth+8, y)
		doc.CellFormat(40, lineHeight, fmt.Sprintf("%.1f%%", share), "", 1, "R", false, 0, "")
	}
}

// Filename is the download name used for an exported conversation.
func Filename(conv *models.Conversation, now time.Time) string {
	return fmt.Sprintf("conversation-%s-%s.pdf", conv.ID, now.UTC().Format("20060102-150405"))
}
