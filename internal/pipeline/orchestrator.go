package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/service/document"
	"docchat/internal/service/extract"
	"docchat/internal/worker"
)

const (
	defaultStageTimeout = 5 * time.Minute
	commitTimeout       = 10 * time.Second
)

// Extractor turns a stored PDF into text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Indexer embeds document text into the vector store.
type Indexer interface {
	Index(ctx context.Context, fileID, text string) (int, error)
	Remove(ctx context.Context, fileID string) error
}

type Dependencies struct {
	Documents  *document.Store
	Files      *document.FileStore
	Extractor  Extractor
	Indexer    Indexer
	Dispatcher *worker.Dispatcher
	Notifier   Notifier
	Logger     *logger.Logger
}

// Orchestrator drives uploaded documents through extraction and embedding.
// Each document is a dispatcher key, so at most one stage runs per document.
type Orchestrator struct {
	docs         *document.Store
	files        *document.FileStore
	extractor    Extractor
	indexer      Indexer
	dispatcher   *worker.Dispatcher
	notifier     Notifier
	stageTimeout time.Duration
	log          *logger.Logger
}

func NewOrchestrator(deps Dependencies, stageTimeout time.Duration) (*Orchestrator, error) {
	if deps.Documents == nil || deps.Files == nil || deps.Dispatcher == nil {
		return nil, errors.New("document store, file store and dispatcher are required")
	}
	if deps.Extractor == nil || deps.Indexer == nil {
		return nil, errors.New("extractor and indexer are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	return &Orchestrator{
		docs:         deps.Documents,
		files:        deps.Files,
		extractor:    deps.Extractor,
		indexer:      deps.Indexer,
		dispatcher:   deps.Dispatcher,
		notifier:     deps.Notifier,
		stageTimeout: stageTimeout,
		log:          deps.Logger.With("component", "pipeline"),
	}, nil
}

// Upload validates and stores a PDF, records it as UPLOADED and starts the pipeline.
// Nothing is persisted when validation fails.
func (o *Orchestrator) Upload(ctx context.Context, data []byte, filename, contentType string) (*models.Document, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, invalidDocument("No file was uploaded.")
	}
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, unsupportedFile("File extension must be .pdf")
	}
	if len(data) == 0 {
		return nil, invalidDocument("Uploaded file is empty.")
	}
	mediaType := normalizeContentType(contentType, data)
	if mediaType != "application/pdf" && mediaType != "application/x-pdf" {
		return nil, unsupportedFile("Invalid file type. Only PDF files are allowed.")
	}
	if err := extract.Validate(data); err != nil {
		return nil, invalidDocument(fmt.Sprintf("File is not a readable PDF: %v", err))
	}

	fileID := uuid.NewString()
	sum := sha256.Sum256(data)
	path, err := o.files.Save(fileID, data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	doc := &models.Document{
		FileID:           fileID,
		OriginalFilename: filename,
		FileHash:         hex.EncodeToString(sum[:]),
		SizeBytes:        int64(len(data)),
		ContentType:      mediaType,
		StoredPath:       path,
		Status:           models.StatusUploaded,
	}
	if err := o.docs.Create(ctx, doc); err != nil {
		if rmErr := o.files.Remove(path); rmErr != nil {
			o.log.Warn("remove stored upload failed", "file_id", fileID, "error", rmErr)
		}
		return nil, err
	}
	o.log.Info("document uploaded", "file_id", fileID, "filename", filename, "size_bytes", doc.SizeBytes)
	o.notify(ctx, doc.FileID, doc.Status, "")

	if err := o.schedule(fileID, extractStage); err != nil {
		// the record stays UPLOADED and is picked up by Recover or an explicit trigger
		o.log.Warn("auto extraction not scheduled", "file_id", fileID, "error", err)
	}
	return doc, nil
}

func normalizeContentType(contentType string, data []byte) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		mediaType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	return strings.ToLower(mediaType)
}

// Extract starts extraction (and the chained embedding) for a document.
func (o *Orchestrator) Extract(ctx context.Context, fileID string) (*models.Document, error) {
	return o.trigger(ctx, fileID, extractStage)
}

// Embed starts embedding for an EXTRACTED document.
func (o *Orchestrator) Embed(ctx context.Context, fileID string) (*models.Document, error) {
	return o.trigger(ctx, fileID, embedStage)
}

func (o *Orchestrator) trigger(ctx context.Context, fileID string, stage *Stage) (*models.Document, error) {
	doc, err := o.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if o.dispatcher.Busy(fileID) {
		return nil, ErrStageInFlight
	}
	if !stage.Accepts(doc.Status) {
		return nil, fmt.Errorf("%w: %s cannot start from %s", ErrInvalidTransition, stage.Name, doc.Status)
	}
	if err := o.schedule(fileID, stage); err != nil {
		return nil, err
	}
	return doc, nil
}

func (o *Orchestrator) schedule(fileID string, stage *Stage) error {
	_, err := o.dispatcher.TrySubmit(fileID, "pipeline:"+string(stage.Name), func(ctx context.Context) {
		o.drive(ctx, fileID, stage)
	})
	if errors.Is(err, worker.ErrKeyBusy) {
		return ErrStageInFlight
	}
	return err
}

// drive runs stage and every stage chained after it until one does not complete.
func (o *Orchestrator) drive(ctx context.Context, fileID string, stage *Stage) {
	for s := stage; s != nil; s = s.Next {
		if !o.runStage(ctx, fileID, s) {
			return
		}
	}
}

type stageResult struct {
	text   string
	chunks int
	err    error
}

// runStage moves the document into the stage's running status, does the work
// under the stage timeout and commits the outcome. It reports whether the
// document reached the stage's done status.
func (o *Orchestrator) runStage(ctx context.Context, fileID string, s *Stage) bool {
	log := o.log.With("file_id", fileID, "stage", s.Name)

	doc, err := o.docs.Get(ctx, fileID)
	if err != nil {
		if !errors.Is(err, document.ErrNotFound) {
			log.Error("load document failed", "error", err)
		}
		return false
	}
	if !s.Accepts(doc.Status) {
		log.Warn("stage skipped", "status", doc.Status)
		return false
	}
	if err := o.docs.Transition(ctx, fileID, doc.Status, s.Running, "", ""); err != nil {
		if !isGone(err) {
			log.Error("start stage failed", "error", err)
		}
		return false
	}
	o.notify(ctx, fileID, s.Running, "")
	log.Info("stage started")

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	done := make(chan stageResult, 1)
	go func() {
		done <- o.work(stageCtx, s, doc)
	}()
	var res stageResult
	select {
	case res = <-done:
	case <-stageCtx.Done():
		res = stageResult{err: stageCtx.Err()}
	}

	// commits must survive cancellation of the job context
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer commitCancel()

	if res.err != nil {
		reason := res.err.Error()
		switch {
		case ctx.Err() != nil:
			reason = fmt.Sprintf("%s canceled", s.Name)
		case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
			reason = fmt.Sprintf("%s timed out after %s", s.Name, o.stageTimeout)
		}
		if err := o.docs.Transition(commitCtx, fileID, s.Running, models.StatusFailed, s.Name, reason); err != nil {
			if isGone(err) {
				o.discard(commitCtx, fileID, s)
				return false
			}
			log.Error("record stage failure failed", "error", err)
			return false
		}
		log.Error("stage failed", "reason", reason)
		o.notify(commitCtx, fileID, models.StatusFailed, s.Name)
		if s == embedStage {
			o.removeVectors(commitCtx, fileID)
		}
		return false
	}

	switch s {
	case extractStage:
		err = o.docs.CompleteExtraction(commitCtx, fileID, res.text)
	case embedStage:
		err = o.docs.CompleteEmbedding(commitCtx, fileID, res.chunks)
	}
	if err != nil {
		if isGone(err) {
			o.discard(commitCtx, fileID, s)
		} else {
			log.Error("commit stage failed", "error", err)
		}
		return false
	}
	log.Info("stage completed", "chunks", res.chunks)
	o.notify(commitCtx, fileID, s.Done, "")
	return true
}

func (o *Orchestrator) work(ctx context.Context, s *Stage, doc *models.Document) stageResult {
	switch s {
	case extractStage:
		text, err := o.extractor.Extract(ctx, doc.StoredPath)
		if err != nil {
			return stageResult{err: fmt.Errorf("%w: %v", ErrExtractionFailed, err)}
		}
		return stageResult{text: text}
	case embedStage:
		text, err := o.docs.Text(ctx, doc.FileID)
		if err != nil {
			return stageResult{err: fmt.Errorf("%w: load extracted text: %v", ErrEmbeddingFailed, err)}
		}
		chunks, err := o.indexer.Index(ctx, doc.FileID, text)
		if err != nil {
			return stageResult{err: fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)}
		}
		return stageResult{chunks: chunks}
	}
	return stageResult{err: fmt.Errorf("unknown stage %s", s.Name)}
}

// discard drops the artifacts of a stage whose document was deleted or moved meanwhile.
func (o *Orchestrator) discard(ctx context.Context, fileID string, s *Stage) {
	o.log.Info("stage result discarded", "file_id", fileID, "stage", s.Name)
	if s == embedStage {
		o.removeVectors(ctx, fileID)
	}
}

func (o *Orchestrator) removeVectors(ctx context.Context, fileID string) {
	if err := o.indexer.Remove(ctx, fileID); err != nil {
		o.log.Warn("remove vectors failed", "file_id", fileID, "error", err)
	}
}

func isGone(err error) bool {
	return errors.Is(err, document.ErrNotFound) || errors.Is(err, document.ErrStatusConflict)
}

// Delete removes a document at any stage together with its file, text and vectors.
// Queued stages are dropped and a running stage is canceled; its outcome is discarded.
func (o *Orchestrator) Delete(ctx context.Context, fileID string) error {
	doc, err := o.Get(ctx, fileID)
	if err != nil {
		return err
	}
	o.dispatcher.Cancel(fileID)
	if err := o.docs.Delete(ctx, fileID); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}
	if err := o.files.Remove(doc.StoredPath); err != nil {
		o.log.Warn("remove stored file failed", "file_id", fileID, "error", err)
	}
	o.removeVectors(ctx, fileID)
	o.log.Info("document deleted", "file_id", fileID, "status", doc.Status)
	o.notifier.Notify(ctx, Event{FileID: fileID, Deleted: true, At: time.Now().UTC()})
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, fileID string) (*models.Document, error) {
	doc, err := o.docs.Get(ctx, fileID)
	if errors.Is(err, document.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

// List returns every document in upload order.
func (o *Orchestrator) List(ctx context.Context) ([]*models.Document, error) {
	return o.docs.List(ctx)
}

// Recover marks stages interrupted by a restart as failed and reschedules
// documents waiting for their next stage.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stuck, err := o.docs.ListByStatus(ctx, models.StatusExtracting, models.StatusEmbedding)
	if err != nil {
		return fmt.Errorf("list interrupted documents: %w", err)
	}
	for _, doc := range stuck {
		stage := stageFor(doc.Status)
		if err := o.docs.Transition(ctx, doc.FileID, doc.Status, models.StatusFailed, stage.Name, "interrupted"); err != nil {
			if !isGone(err) {
				return err
			}
			continue
		}
		o.log.Warn("interrupted stage marked failed", "file_id", doc.FileID, "stage", stage.Name)
		o.notify(ctx, doc.FileID, models.StatusFailed, stage.Name)
	}

	waiting, err := o.docs.ListByStatus(ctx, models.StatusUploaded, models.StatusExtracted)
	if err != nil {
		return fmt.Errorf("list waiting documents: %w", err)
	}
	for _, doc := range waiting {
		if err := o.schedule(doc.FileID, stageFor(doc.Status)); err != nil && !errors.Is(err, ErrStageInFlight) {
			o.log.Warn("resume document failed", "file_id", doc.FileID, "error", err)
		}
	}
	if len(stuck)+len(waiting) > 0 {
		o.log.Info("pipeline recovered", "failed", len(stuck), "resumed", len(waiting))
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, fileID string, status models.Status, stage models.Stage) {
	o.notifier.Notify(ctx, Event{FileID: fileID, Status: status.External(), FailureStage: stage, At: time.Now().UTC()})
}
