package pipeline

import (
	"context"
	"time"
)

const (
	DefaultOrphanCleanInterval = time.Hour
	// uploads are written before their record exists
	DefaultOrphanGrace = 10 * time.Minute
)

// StartOrphanCleaner periodically removes stored files that no document record owns.
func (o *Orchestrator) StartOrphanCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultOrphanCleanInterval
	}
	go o.cleanupLoop(ctx, interval)
}

func (o *Orchestrator) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.CleanOrphans(ctx, DefaultOrphanGrace); err != nil {
				o.log.Warn("cleanup orphan files error", "error", err)
			}
		}
	}
}

// CleanOrphans removes files older than grace without a document record,
// including abandoned partial uploads, and returns how many were removed.
func (o *Orchestrator) CleanOrphans(ctx context.Context, grace time.Duration) (int, error) {
	files, err := o.files.Scan()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-grace)
	removed := 0
	for _, f := range files {
		if f.ModTime.After(cutoff) {
			continue
		}
		if f.FileID != "" {
			exists, err := o.docs.Exists(ctx, f.FileID)
			if err != nil {
				return removed, err
			}
			if exists {
				continue
			}
		}
		if err := o.files.Remove(f.Path); err != nil {
			o.log.Warn("remove orphan file failed", "path", f.Path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		o.log.Info("orphan files removed", "count", removed)
	}
	return removed, nil
}
