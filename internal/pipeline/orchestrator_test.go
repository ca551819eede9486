package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/config"
	"docchat/internal/models"
	"docchat/internal/service/document"
	"docchat/internal/storage"
	"docchat/internal/worker"
)

type fakeExtractor struct {
	text    string
	err     error
	started chan struct{}
	release chan struct{}
	// honorCtx makes Extract return when its context ends
	honorCtx bool
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (string, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		if f.honorCtx {
			select {
			case <-f.release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		} else {
			<-f.release
		}
	}
	return f.text, f.err
}

type fakeIndexer struct {
	mu      sync.Mutex
	chunks  int
	err     error
	indexed []string
	removed []string
}

func (f *fakeIndexer) Index(ctx context.Context, fileID, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.indexed = append(f.indexed, fileID)
	return f.chunks, nil
}

func (f *fakeIndexer) Remove(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fileID)
	return nil
}

func (f *fakeIndexer) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeIndexer) indexedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) statuses(fileID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.FileID == fileID && ev.Status != "" {
			out = append(out, ev.Status)
		}
	}
	return out
}

type harness struct {
	orch       *Orchestrator
	docs       *document.Store
	files      *document.FileStore
	dispatcher *worker.Dispatcher
	notifier   *recordingNotifier
}

func newHarness(t *testing.T, ext Extractor, idx Indexer, stageTimeout time.Duration) *harness {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })

	files, err := document.NewFileStore(t.TempDir())
	require.NoError(t, err)
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dispatcher.Close(ctx)
	})

	h := &harness{
		docs:       document.NewStore(db),
		files:      files,
		dispatcher: dispatcher,
		notifier:   &recordingNotifier{},
	}
	h.orch, err = NewOrchestrator(Dependencies{
		Documents:  h.docs,
		Files:      files,
		Extractor:  ext,
		Indexer:    idx,
		Dispatcher: dispatcher,
		Notifier:   h.notifier,
	}, stageTimeout)
	require.NoError(t, err)
	return h
}

func (h *harness) waitStatus(t *testing.T, fileID string, want models.Status) *models.Document {
	t.Helper()
	var doc *models.Document
	require.Eventually(t, func() bool {
		got, err := h.docs.Get(context.Background(), fileID)
		if err != nil {
			return false
		}
		doc = got
		return got.Status == want
	}, 3*time.Second, 10*time.Millisecond, "document never reached %s", want)
	return doc
}

func (h *harness) waitIdle(t *testing.T, fileID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.dispatcher.Busy(fileID) }, 3*time.Second, 10*time.Millisecond)
}

func samplePDF(t *testing.T) []byte {
	t.Helper()
	doc := fpdf.New("P", "pt", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	doc.AddPage()
	doc.Text(40, 60, "Quarterly report")
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestUploadAutoAdvancesToEmbedded(t *testing.T) {
	idx := &fakeIndexer{chunks: 3}
	h := newHarness(t, &fakeExtractor{text: "quarterly numbers"}, idx, time.Second)

	doc, err := h.orch.Upload(context.Background(), samplePDF(t), "report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.Equal(t, "report.pdf", doc.OriginalFilename)
	assert.Len(t, doc.FileHash, 64)

	done := h.waitStatus(t, doc.FileID, models.StatusEmbedded)
	assert.Equal(t, 3, done.ChunkCount)
	assert.Empty(t, done.FailureStage)
	assert.Equal(t, []string{doc.FileID}, idx.indexedIDs())

	text, err := h.docs.Text(context.Background(), doc.FileID)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", text)

	h.waitIdle(t, doc.FileID)
	assert.Equal(t, []string{"UPLOADED", "extracting", "EXTRACTED", "embedding", "EMBEDDED"}, h.notifier.statuses(doc.FileID))
}

var brokenXrefPDF = []byte("%PDF-1.4\nxref\n0 2\n0000000000 65535 f \n0000000009 00000 n \ntrailer << /Size 2 /Root 1 0 R >>\nstartxref\n9\n%%EOF")

func TestUploadRejectsInvalidFilesWithoutRecord(t *testing.T) {
	h := newHarness(t, &fakeExtractor{text: "x"}, &fakeIndexer{}, time.Second)
	ctx := context.Background()

	_, err := h.orch.Upload(ctx, samplePDF(t), "report.txt", "application/pdf")
	require.ErrorIs(t, err, ErrInvalidDocument)
	var docErr *DocumentError
	require.True(t, errors.As(err, &docErr))
	assert.True(t, docErr.Unsupported)

	_, err = h.orch.Upload(ctx, []byte("hello world"), "fake.pdf", "application/pdf")
	require.ErrorIs(t, err, ErrInvalidDocument)

	_, err = h.orch.Upload(ctx, samplePDF(t), "report.pdf", "image/png")
	require.ErrorIs(t, err, ErrInvalidDocument)

	_, err = h.orch.Upload(ctx, nil, "empty.pdf", "application/pdf")
	require.ErrorIs(t, err, ErrInvalidDocument)

	_, err = h.orch.Upload(ctx, brokenXrefPDF, "broken.pdf", "application/pdf")
	require.ErrorIs(t, err, ErrInvalidDocument)
	require.True(t, errors.As(err, &docErr))
	assert.False(t, docErr.Unsupported)

	docs, err := h.orch.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	stored, err := h.files.Scan()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestUploadSniffsMissingContentType(t *testing.T) {
	h := newHarness(t, &fakeExtractor{text: "x"}, &fakeIndexer{chunks: 1}, time.Second)

	doc, err := h.orch.Upload(context.Background(), samplePDF(t), "scan.PDF", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.ContentType)
	h.waitStatus(t, doc.FileID, models.StatusEmbedded)
}

func TestExtractionFailureMarksFailed(t *testing.T) {
	idx := &fakeIndexer{chunks: 1}
	h := newHarness(t, &fakeExtractor{err: errors.New("no text layer")}, idx, time.Second)

	doc, err := h.orch.Upload(context.Background(), samplePDF(t), "scan.pdf", "application/pdf")
	require.NoError(t, err)

	failed := h.waitStatus(t, doc.FileID, models.StatusFailed)
	assert.Equal(t, models.StageExtraction, failed.FailureStage)
	assert.Contains(t, failed.FailureReason, "no text layer")
	h.waitIdle(t, doc.FileID)
	assert.Empty(t, idx.indexedIDs())

	// FAILED is terminal
	_, err = h.orch.Extract(context.Background(), doc.FileID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEmbeddingFailureMarksFailed(t *testing.T) {
	idx := &fakeIndexer{err: errors.New("embedding quota exceeded")}
	h := newHarness(t, &fakeExtractor{text: "body"}, idx, time.Second)

	doc, err := h.orch.Upload(context.Background(), samplePDF(t), "doc.pdf", "application/pdf")
	require.NoError(t, err)

	failed := h.waitStatus(t, doc.FileID, models.StatusFailed)
	assert.Equal(t, models.StageEmbedding, failed.FailureStage)
	assert.Contains(t, failed.FailureReason, "quota")
	h.waitIdle(t, doc.FileID)
	assert.Contains(t, idx.removedIDs(), doc.FileID)
}

func TestStageTimeoutMarksFailed(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t, &fakeExtractor{text: "late", release: release}, &fakeIndexer{}, 50*time.Millisecond)

	doc, err := h.orch.Upload(context.Background(), samplePDF(t), "slow.pdf", "application/pdf")
	require.NoError(t, err)

	failed := h.waitStatus(t, doc.FileID, models.StatusFailed)
	assert.Equal(t, models.StageExtraction, failed.FailureStage)
	assert.Contains(t, failed.FailureReason, "timed out")
}

func TestDeleteDuringStageDiscardsResult(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	idx := &fakeIndexer{chunks: 2}
	h := newHarness(t, &fakeExtractor{text: "body", started: started, release: release}, idx, 5*time.Second)
	ctx := context.Background()

	doc, err := h.orch.Upload(ctx, samplePDF(t), "doc.pdf", "application/pdf")
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("extraction never started")
	}

	require.NoError(t, h.orch.Delete(ctx, doc.FileID))
	close(release)
	h.waitIdle(t, doc.FileID)

	_, err = h.orch.Get(ctx, doc.FileID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	docs, err := h.orch.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, err = os.Stat(doc.StoredPath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, idx.indexedIDs())
	assert.Contains(t, idx.removedIDs(), doc.FileID)

	assert.ErrorIs(t, h.orch.Delete(ctx, doc.FileID), ErrDocumentNotFound)
}

func TestTriggerRejectsStageInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, &fakeExtractor{text: "body", started: started, release: release, honorCtx: true}, &fakeIndexer{chunks: 1}, 5*time.Second)
	ctx := context.Background()

	doc, err := h.orch.Upload(ctx, samplePDF(t), "doc.pdf", "application/pdf")
	require.NoError(t, err)
	<-started

	_, err = h.orch.Extract(ctx, doc.FileID)
	assert.ErrorIs(t, err, ErrStageInFlight)
	_, err = h.orch.Embed(ctx, doc.FileID)
	assert.ErrorIs(t, err, ErrStageInFlight)

	close(release)
	h.waitStatus(t, doc.FileID, models.StatusEmbedded)
}

func TestTriggerChecksStatusAndExistence(t *testing.T) {
	h := newHarness(t, &fakeExtractor{text: "body"}, &fakeIndexer{chunks: 4}, time.Second)
	ctx := context.Background()

	_, err := h.orch.Extract(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	uploaded := &models.Document{FileID: "doc-uploaded", OriginalFilename: "a.pdf", StoredPath: "a.pdf", Status: models.StatusUploaded}
	require.NoError(t, h.docs.Create(ctx, uploaded))
	_, err = h.orch.Embed(ctx, uploaded.FileID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	extracted := &models.Document{FileID: "doc-extracted", OriginalFilename: "b.pdf", StoredPath: "b.pdf", Status: models.StatusExtracting}
	require.NoError(t, h.docs.Create(ctx, extracted))
	require.NoError(t, h.docs.CompleteExtraction(ctx, extracted.FileID, "stored text"))

	_, err = h.orch.Embed(ctx, extracted.FileID)
	require.NoError(t, err)
	done := h.waitStatus(t, extracted.FileID, models.StatusEmbedded)
	assert.Equal(t, 4, done.ChunkCount)
	h.waitIdle(t, extracted.FileID)

	_, err = h.orch.Embed(ctx, extracted.FileID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecoverFailsInterruptedAndResumesWaiting(t *testing.T) {
	h := newHarness(t, &fakeExtractor{text: "body"}, &fakeIndexer{chunks: 1}, time.Second)
	ctx := context.Background()

	stuck := &models.Document{FileID: "stuck", OriginalFilename: "s.pdf", StoredPath: "s.pdf", Status: models.StatusEmbedding}
	waiting := &models.Document{FileID: "waiting", OriginalFilename: "w.pdf", StoredPath: "w.pdf", Status: models.StatusUploaded}
	require.NoError(t, h.docs.Create(ctx, stuck))
	require.NoError(t, h.docs.Create(ctx, waiting))

	require.NoError(t, h.orch.Recover(ctx))

	failed, err := h.docs.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, models.StageEmbedding, failed.FailureStage)
	assert.Equal(t, "interrupted", failed.FailureReason)

	h.waitStatus(t, "waiting", models.StatusEmbedded)
}

func TestCleanOrphansKeepsOwnedFiles(t *testing.T) {
	h := newHarness(t, &fakeExtractor{text: "body"}, &fakeIndexer{chunks: 1}, time.Second)
	ctx := context.Background()

	ownedPath, err := h.files.Save("owned", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, h.docs.Create(ctx, &models.Document{FileID: "owned", OriginalFilename: "o.pdf", StoredPath: ownedPath, Status: models.StatusFailed}))
	orphanPath, err := h.files.Save("orphan", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(orphanPath), "abandoned-1.part"), []byte("x"), 0o644))

	removed, err := h.orch.CleanOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(ownedPath)
	assert.NoError(t, err)
	_, err = os.Stat(orphanPath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.Status
		want     bool
	}{
		{models.StatusUploaded, models.StatusExtracting, true},
		{models.StatusExtracting, models.StatusExtracted, true},
		{models.StatusExtracting, models.StatusFailed, true},
		{models.StatusExtracted, models.StatusEmbedding, true},
		{models.StatusEmbedding, models.StatusEmbedded, true},
		{models.StatusEmbedding, models.StatusFailed, true},
		{models.StatusUploaded, models.StatusEmbedding, false},
		{models.StatusUploaded, models.StatusFailed, false},
		{models.StatusFailed, models.StatusExtracting, false},
		{models.StatusEmbedded, models.StatusEmbedding, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
