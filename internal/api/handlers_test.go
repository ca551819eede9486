package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-pdf/fpdf"

	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/models"
	"docchat/internal/pipeline"
	"docchat/internal/report"
	"docchat/internal/service/conversation"
	"docchat/internal/service/document"
	"docchat/internal/service/retrieval"
	"docchat/internal/storage"
	"docchat/internal/worker"
)

func TestDocumentPipelineFlow(t *testing.T) {
	ts := newTestServer(t, Options{})

	upResp := uploadFile(t, ts.router, "report.pdf", samplePDF(t))
	assertStatus(t, upResp, http.StatusCreated)
	var uploaded struct {
		FileID           string `json:"file_id"`
		OriginalFilename string `json:"original_filename"`
		Status           string `json:"status"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &uploaded)
	if uploaded.FileID == "" || uploaded.OriginalFilename != "report.pdf" {
		t.Fatalf("unexpected upload response: %s", upResp.Body.String())
	}
	if uploaded.Status != "UPLOADED" {
		t.Fatalf("expected UPLOADED, got %s", uploaded.Status)
	}

	// no manual extract/embed calls: the pipeline advances by itself
	waitForStatus(t, ts.router, uploaded.FileID, "EMBEDDED")

	getResp := doJSONRequest(t, ts.router, http.MethodGet, "/pdf/"+uploaded.FileID, nil, nil)
	assertStatus(t, getResp, http.StatusOK)
	var detail struct {
		ChunkCount int `json:"chunk_count"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &detail)
	if detail.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", detail.ChunkCount)
	}

	// EMBEDDED is terminal
	embedResp := doJSONRequest(t, ts.router, http.MethodPost, "/pdf/embed/"+uploaded.FileID, nil, nil)
	assertStatus(t, embedResp, http.StatusConflict)

	delResp := doJSONRequest(t, ts.router, http.MethodDelete, "/pdf/"+uploaded.FileID, nil, nil)
	assertStatus(t, delResp, http.StatusOK)
	if got := ts.indexer.removed(uploaded.FileID); got == 0 {
		t.Fatalf("expected vectors to be removed on delete")
	}

	missing := doJSONRequest(t, ts.router, http.MethodGet, "/pdf/"+uploaded.FileID, nil, nil)
	assertStatus(t, missing, http.StatusNotFound)
	missingDel := doJSONRequest(t, ts.router, http.MethodDelete, "/pdf/"+uploaded.FileID, nil, nil)
	assertStatus(t, missingDel, http.StatusNotFound)
	missingExtract := doJSONRequest(t, ts.router, http.MethodPost, "/pdf/extract/"+uploaded.FileID, nil, nil)
	assertStatus(t, missingExtract, http.StatusNotFound)
}

func TestUploadRejections(t *testing.T) {
	ts := newTestServer(t, Options{MaxUploadBytes: 1 << 20})

	wrongExt := uploadFile(t, ts.router, "notes.txt", samplePDF(t))
	assertStatus(t, wrongExt, http.StatusUnsupportedMediaType)
	assertDetailError(t, wrongExt)

	corrupt := uploadFile(t, ts.router, "broken.pdf", []byte("definitely not a pdf"))
	if corrupt.Code != http.StatusBadRequest && corrupt.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 400 or 415 for corrupt pdf, got %d", corrupt.Code)
	}
	assertDetailError(t, corrupt)

	brokenXref := []byte("%PDF-1.4\nxref\n0 2\n0000000000 65535 f \n0000000009 00000 n \ntrailer << /Size 2 /Root 1 0 R >>\nstartxref\n9\n%%EOF")
	malformed := uploadFile(t, ts.router, "malformed.pdf", brokenXref)
	assertStatus(t, malformed, http.StatusBadRequest)
	assertDetailError(t, malformed)

	noFile := doJSONRequest(t, ts.router, http.MethodPost, "/pdf/upload", nil, nil)
	assertStatus(t, noFile, http.StatusBadRequest)

	huge := uploadFile(t, ts.router, "huge.pdf", bytes.Repeat([]byte("a"), 2<<20))
	assertStatus(t, huge, http.StatusRequestEntityTooLarge)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, huge.Body.Bytes(), &body)
	if body.Error != "1MB file upload limit exceeded" {
		t.Fatalf("unexpected 413 body: %s", huge.Body.String())
	}

	listResp := doJSONRequest(t, ts.router, http.MethodGet, "/pdf/list", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var docs []map[string]any
	decodeJSON(t, listResp.Body.Bytes(), &docs)
	if len(docs) != 0 {
		t.Fatalf("rejected uploads must not create records, got %d", len(docs))
	}
}

func TestChatFlow(t *testing.T) {
	ts := newTestServer(t, Options{})

	latest := doJSONRequest(t, ts.router, http.MethodGet, "/chat/latest", nil, nil)
	assertStatus(t, latest, http.StatusOK)
	var empty struct {
		ConversationID *string           `json:"conversation_id"`
		Messages       []json.RawMessage `json:"messages"`
	}
	decodeJSON(t, latest.Body.Bytes(), &empty)
	if empty.ConversationID != nil || len(empty.Messages) != 0 {
		t.Fatalf("expected empty latest response, got %s", latest.Body.String())
	}

	turnResp := doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{
		"question": "Hi",
		"top_k":    5,
	}, nil)
	assertStatus(t, turnResp, http.StatusOK)
	var turn struct {
		ConversationID string `json:"conversation_id"`
		Answer         string `json:"answer"`
		Title          string `json:"title"`
		ChunksUsed     int    `json:"chunks_used"`
	}
	decodeJSON(t, turnResp.Body.Bytes(), &turn)
	if turn.ConversationID == "" || turn.Answer == "" {
		t.Fatalf("unexpected turn response: %s", turnResp.Body.String())
	}
	if turn.ChunksUsed != 1 {
		t.Fatalf("expected 1 chunk, got %d", turn.ChunksUsed)
	}

	convResp := doJSONRequest(t, ts.router, http.MethodGet, "/chat/"+turn.ConversationID, nil, nil)
	assertStatus(t, convResp, http.StatusOK)
	var conv struct {
		ConversationID string `json:"conversation_id"`
		Messages       []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &conv)
	if len(conv.Messages) != 2 {
		t.Fatalf("expected one user/assistant pair, got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Role != "user" || conv.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %+v", conv.Messages)
	}

	listResp := doJSONRequest(t, ts.router, http.MethodGet, "/chat/conversations", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var summaries []struct {
		ConversationID string `json:"conversation_id"`
		Title          string `json:"title"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &summaries)
	if len(summaries) != 1 || summaries[0].ConversationID != turn.ConversationID {
		t.Fatalf("unexpected conversation list: %s", listResp.Body.String())
	}

	renameResp := doJSONRequest(t, ts.router, http.MethodPatch,
		fmt.Sprintf("/chat/%s/rename?new_title=Foo", turn.ConversationID), nil, nil)
	assertStatus(t, renameResp, http.StatusOK)
	listResp = doJSONRequest(t, ts.router, http.MethodGet, "/chat/conversations?limit=5", nil, nil)
	decodeJSON(t, listResp.Body.Bytes(), &summaries)
	if summaries[0].Title != "Foo" {
		t.Fatalf("expected renamed title, got %q", summaries[0].Title)
	}

	reportResp := doJSONRequest(t, ts.router, http.MethodGet, "/chat/"+turn.ConversationID+"/report", nil, nil)
	assertStatus(t, reportResp, http.StatusOK)
	if ct := reportResp.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected report content type %q", ct)
	}
	if cd := reportResp.Header().Get("Content-Disposition"); !strings.Contains(cd, turn.ConversationID) {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if !bytes.HasPrefix(reportResp.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("report is not a pdf")
	}

	delResp := doJSONRequest(t, ts.router, http.MethodDelete, "/chat/"+turn.ConversationID, nil, nil)
	assertStatus(t, delResp, http.StatusOK)
	gone := doJSONRequest(t, ts.router, http.MethodGet, "/chat/"+turn.ConversationID, nil, nil)
	assertStatus(t, gone, http.StatusNotFound)
	delAgain := doJSONRequest(t, ts.router, http.MethodDelete, "/chat/"+turn.ConversationID, nil, nil)
	assertStatus(t, delAgain, http.StatusNotFound)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, Options{})

	zero := doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{"question": "Hi", "top_k": 0}, nil)
	assertStatus(t, zero, http.StatusBadRequest)
	if n := countRows(t, ts, "messages"); n != 0 {
		t.Fatalf("rejected turn persisted %d messages", n)
	}

	bad := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{"))
	bad.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, bad)
	assertStatus(t, rec, http.StatusBadRequest)

	unknown := doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{
		"question":        "Hi",
		"conversation_id": "missing",
	}, nil)
	assertStatus(t, unknown, http.StatusNotFound)

	noTitle := doJSONRequest(t, ts.router, http.MethodPatch, "/chat/missing/rename", nil, nil)
	assertStatus(t, noTitle, http.StatusBadRequest)
	renameMissing := doJSONRequest(t, ts.router, http.MethodPatch, "/chat/missing/rename?new_title=x", nil, nil)
	assertStatus(t, renameMissing, http.StatusNotFound)

	badLimit := doJSONRequest(t, ts.router, http.MethodGet, "/chat/conversations?limit=abc", nil, nil)
	assertStatus(t, badLimit, http.StatusBadRequest)
}

func TestChatUpstreamFailures(t *testing.T) {
	ts := newTestServer(t, Options{})

	ts.retriever.setErr(errors.New("vector store unreachable"))
	resp := doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{"question": "Hi"}, nil)
	assertStatus(t, resp, http.StatusBadGateway)
	if n := countRows(t, ts, "messages"); n != 1 {
		t.Fatalf("expected the question to be kept, got %d messages", n)
	}
	ts.retriever.setErr(nil)

	latest := doJSONRequest(t, ts.router, http.MethodGet, "/chat/latest", nil, nil)
	assertStatus(t, latest, http.StatusOK)
	var pending struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeJSON(t, latest.Body.Bytes(), &pending)
	other := doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{"question": "Something else", "conversation_id": pending.ConversationID}, nil)
	assertStatus(t, other, http.StatusConflict)
	assertDetailError(t, other)
	if n := countRows(t, ts, "messages"); n != 1 {
		t.Fatalf("a refused question must not be stored, got %d messages", n)
	}

	ts.generator.answerErr = errors.New("model overloaded")
	resp = doJSONRequest(t, ts.router, http.MethodPost, "/chat", map[string]any{"question": "Hi"}, nil)
	assertStatus(t, resp, http.StatusBadGateway)
}

func TestSearchAndHealth(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := doJSONRequest(t, ts.router, http.MethodPost, "/search?query=invoice&top_k=2", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Query   string           `json:"query"`
		TopK    int              `json:"top_k"`
		Results []models.Passage `json:"results"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Query != "invoice" || body.TopK != 2 || len(body.Results) != 1 {
		t.Fatalf("unexpected search response: %s", resp.Body.String())
	}

	jsonResp := doJSONRequest(t, ts.router, http.MethodPost, "/search", map[string]any{"query": "invoice", "top_k": 3}, nil)
	assertStatus(t, jsonResp, http.StatusOK)

	emptyResp := doJSONRequest(t, ts.router, http.MethodPost, "/search?query=", nil, nil)
	assertStatus(t, emptyResp, http.StatusBadRequest)

	health := doJSONRequest(t, ts.router, http.MethodGet, "/health", nil, nil)
	assertStatus(t, health, http.StatusOK)
	vec := doJSONRequest(t, ts.router, http.MethodGet, "/health/vector", nil, nil)
	assertStatus(t, vec, http.StatusOK)

	ts.vectors.err = errors.New("connection refused")
	vec = doJSONRequest(t, ts.router, http.MethodGet, "/health/vector", nil, nil)
	assertStatus(t, vec, http.StatusInternalServerError)

	events := doJSONRequest(t, ts.router, http.MethodGet, "/pdf/events", nil, nil)
	assertStatus(t, events, http.StatusServiceUnavailable)
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", pipeline.ErrStageInFlight), http.StatusConflict},
		{pipeline.ErrInvalidTransition, http.StatusConflict},
		{chat.ErrInvalidParameter, http.StatusBadRequest},
		{fmt.Errorf("%w: retry first", chat.ErrQuestionPending), http.StatusConflict},
		{chat.ErrExportFailed, http.StatusInternalServerError},
		{fmt.Errorf("schedule turn: %w", worker.ErrDispatcherBusy), http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

// helpers

type testServer struct {
	router    *gin.Engine
	db        *sql.DB
	indexer   *stubIndexer
	retriever *stubRetriever
	generator *stubGenerator
	vectors   *stubHealth
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 32}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dispatcher.Close(ctx)
	})

	files, err := document.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ts := &testServer{
		db:        db,
		indexer:   &stubIndexer{removals: make(map[string]int)},
		retriever: &stubRetriever{},
		generator: &stubGenerator{},
		vectors:   &stubHealth{},
	}
	pipe, err := pipeline.NewOrchestrator(pipeline.Dependencies{
		Documents:  document.NewStore(db),
		Files:      files,
		Extractor:  stubExtractor{},
		Indexer:    ts.indexer,
		Dispatcher: dispatcher,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	chatOrch, err := chat.NewOrchestrator(chat.Dependencies{
		Conversations: conversation.NewStore(db),
		Retriever:     ts.retriever,
		Generator:     ts.generator,
		Renderer:      report.NewRenderer(),
		Dispatcher:    dispatcher,
	}, config.ChatConfig{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	handler := NewHandler(Services{
		Pipeline: pipe,
		Chat:     chatOrch,
		Search:   ts.retriever,
		Vectors:  ts.vectors,
	}, opts)
	ts.router = gin.New()
	handler.RegisterRoutes(ts.router)
	return ts
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadFile(t *testing.T, router *gin.Engine, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/pdf/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func waitForStatus(t *testing.T, router *gin.Engine, fileID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		resp := doJSONRequest(t, router, http.MethodGet, "/pdf/list", nil, nil)
		assertStatus(t, resp, http.StatusOK)
		var docs []struct {
			FileID string `json:"file_id"`
			Status string `json:"status"`
		}
		decodeJSON(t, resp.Body.Bytes(), &docs)
		for _, d := range docs {
			if d.FileID == fileID {
				last = d.Status
			}
		}
		if last == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("document %s never reached %s, last status %q", fileID, want, last)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func assertDetailError(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	var body struct {
		Detail struct {
			Error string `json:"error"`
		} `json:"detail"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Detail.Error == "" {
		t.Fatalf("expected detail.error in body: %s", rec.Body.String())
	}
}

func countRows(t *testing.T, ts *testServer, table string) int {
	t.Helper()
	var count int
	if err := ts.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func samplePDF(t *testing.T) []byte {
	t.Helper()
	doc := fpdf.New("P", "pt", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	doc.AddPage()
	doc.Text(40, 60, "Invoice 42 total due 100 EUR")
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		t.Fatalf("render pdf: %v", err)
	}
	return buf.Bytes()
}

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, path string) (string, error) {
	return "Invoice 42 total due 100 EUR", nil
}

type stubIndexer struct {
	mu       sync.Mutex
	removals map[string]int
}

func (s *stubIndexer) Index(ctx context.Context, fileID, text string) (int, error) {
	return 3, nil
}

func (s *stubIndexer) Remove(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals[fileID]++
	return nil
}

func (s *stubIndexer) removed(fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals[fileID]
}

type stubRetriever struct {
	mu  sync.Mutex
	err error
}

func (s *stubRetriever) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubRetriever) Search(ctx context.Context, query string, topK int) ([]models.Passage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if strings.TrimSpace(query) == "" {
		return nil, retrieval.ErrEmptyQuery
	}
	return []models.Passage{{FileID: "f1", ChunkIndex: 0, Text: "Invoice 42 total due 100 EUR", Score: 0.9}}, nil
}

type stubGenerator struct {
	answerErr error
}

func (s *stubGenerator) Answer(ctx context.Context, question string, passages []models.Passage, history []*models.Message) (string, error) {
	if s.answerErr != nil {
		return "", s.answerErr
	}
	return "The total due is 100 EUR.", nil
}

func (s *stubGenerator) RewriteQuery(ctx context.Context, question string, history []*models.Message) (string, error) {
	return question, nil
}

func (s *stubGenerator) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	return "Invoice question", nil
}

func (s *stubGenerator) ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error) {
	return models.SentimentNeutral, nil
}

type stubHealth struct {
	err error
}

func (s *stubHealth) Health(ctx context.Context) error { return s.err }
