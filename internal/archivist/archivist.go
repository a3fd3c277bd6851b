// Package archivist keeps the live working memory inside its configured
// ceilings. When note count or byte size crosses the trigger ratio of either
// ceiling, older notes are moved into an immutable archive snapshot in a
// single transaction, so readers see either the pre-archive or post-archive
// set and never a partial one.
package archivist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/persistence"
)

// ArchiveWriteError wraps a failed archive attempt. The live note set is
// untouched when this is returned.
type ArchiveWriteError struct {
	Err error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("memory archive write failed: %v", e.Err)
}

func (e *ArchiveWriteError) Unwrap() error { return e.Err }

// Archivist runs archival sweeps against the store. Safe for concurrent use;
// sweeps are serialized so two triggers cannot archive the same notes twice.
type Archivist struct {
	store *persistence.Store
	cfg   config.MemoryConfig

	mu sync.Mutex
}

func New(store *persistence.Store, cfg config.MemoryConfig) *Archivist {
	return &Archivist{store: store, cfg: cfg}
}

// Maintain checks one job's usage against the ceilings and archives when
// either the item count or the byte size is at or past the trigger ratio.
// It is cheap when under threshold and a no-op when there is nothing beyond
// the keep window. Ceilings are per job, so a chatty job cannot force another
// job's notes out of the live set.
func (a *Archivist) Maintain(ctx context.Context, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	count, bytes, err := a.store.NoteUsage(ctx, jobID)
	if err != nil {
		return fmt.Errorf("memory usage: %w", err)
	}

	itemTrigger := float64(count) >= float64(a.cfg.MaxItems)*a.cfg.ArchiveTriggerRatio
	byteTrigger := float64(bytes) >= float64(a.cfg.MaxBytes)*a.cfg.ArchiveTriggerRatio
	if !itemTrigger && !byteTrigger {
		return nil
	}

	archive, err := a.store.ArchiveNotes(ctx, jobID, a.cfg.ArchiveKeepRecent)
	if err != nil {
		return &ArchiveWriteError{Err: err}
	}
	if archive == nil {
		// Everything already fits inside the keep window.
		return nil
	}

	slog.Info("archived working memory",
		"archive_id", archive.ID,
		"job_id", jobID,
		"notes", archive.NoteCount,
		"bytes", archive.ByteSize,
		"kept_live", a.cfg.ArchiveKeepRecent)
	return nil
}

// MaintainAll sweeps every job that has live notes. Used by the background
// scheduler; the per-call path maintains only the job it is building for.
func (a *Archivist) MaintainAll(ctx context.Context) error {
	jobIDs, err := a.store.NoteJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("list note jobs: %w", err)
	}
	for _, id := range jobIDs {
		if err := a.Maintain(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
