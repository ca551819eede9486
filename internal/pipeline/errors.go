package pipeline

import "errors"

var (
	ErrInvalidDocument   = errors.New("invalid document")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrEmbeddingFailed   = errors.New("embedding failed")
	ErrStageInFlight     = errors.New("a pipeline stage is already queued or running for this document")
	ErrInvalidTransition = errors.New("document status does not allow this stage")
)

// DocumentError explains why an upload was rejected. It matches ErrInvalidDocument.
type DocumentError struct {
	Reason string
	// Unsupported marks a wrong file type rather than a malformed file.
	Unsupported bool
}

func (e *DocumentError) Error() string { return e.Reason }

func (e *DocumentError) Is(target error) bool { return target == ErrInvalidDocument }

func invalidDocument(reason string) error {
	return &DocumentError{Reason: reason}
}

func unsupportedFile(reason string) error {
	return &DocumentError{Reason: reason, Unsupported: true}
}
