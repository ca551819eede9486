package pipeline

import (
	"slices"

	"docchat/internal/models"
)

// edges lists every allowed status change of a document.
var edges = map[models.Status][]models.Status{
	models.StatusUploaded:   {models.StatusExtracting},
	models.StatusExtracting: {models.StatusExtracted, models.StatusFailed},
	models.StatusExtracted:  {models.StatusExtracting, models.StatusEmbedding},
	models.StatusEmbedding:  {models.StatusEmbedded, models.StatusFailed},
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to models.Status) bool {
	return slices.Contains(edges[from], to)
}

// Stage describes one step of the pipeline: the statuses it may start from,
// the status held while it runs, the status it ends in and the stage chained after it.
type Stage struct {
	Name    models.Stage
	From    []models.Status
	Running models.Status
	Done    models.Status
	Next    *Stage
}

var (
	extractStage = &Stage{
		Name:    models.StageExtraction,
		From:    []models.Status{models.StatusUploaded, models.StatusExtracted},
		Running: models.StatusExtracting,
		Done:    models.StatusExtracted,
	}
	embedStage = &Stage{
		Name:    models.StageEmbedding,
		From:    []models.Status{models.StatusExtracted},
		Running: models.StatusEmbedding,
		Done:    models.StatusEmbedded,
	}
)

func init() {
	extractStage.Next = embedStage
}

// Accepts reports whether the stage can start on a document in status.
func (s *Stage) Accepts(status models.Status) bool {
	return slices.Contains(s.From, status) && CanTransition(status, s.Running)
}

// stageFor returns the stage a document is running in or should resume with.
func stageFor(status models.Status) *Stage {
	switch status {
	case models.StatusUploaded, models.StatusExtracting:
		return extractStage
	case models.StatusExtracted, models.StatusEmbedding:
		return embedStage
	}
	return nil
}
