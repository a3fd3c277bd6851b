package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note types. Anything else is rejected on insert.
const (
	NoteTypeDecision   = "decision"
	NoteTypeConstraint = "constraint"
	NoteTypeTodo       = "todo"
	NoteTypeGlossary   = "glossary"
	NoteTypeLink       = "link"
)

func validNoteType(t string) bool {
	switch t {
	case NoteTypeDecision, NoteTypeConstraint, NoteTypeTodo, NoteTypeGlossary, NoteTypeLink:
		return true
	}
	return false
}

// DefaultMaxNoteBytes bounds a single note body when no limit is configured.
const DefaultMaxNoteBytes = 4 << 10

// MemoryNote is one entry in a job's live working memory.
type MemoryNote struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NoteArchive is one snapshot produced by archival, keyed by job. The blob
// holds the archived notes as a JSON array.
type NoteArchive struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	NoteCount int       `json:"note_count"`
	ByteSize  int64     `json:"byte_size"`
	Blob      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SetNoteByteLimit overrides the per-note body ceiling. Bodies longer than
// the limit are truncated on insert, never rejected.
func (s *Store) SetNoteByteLimit(n int64) {
	if n > 0 {
		s.maxNoteBytes = n
	}
}

// AddNote validates and inserts one working-memory note. The body is
// truncated to the configured per-note byte ceiling.
func (s *Store) AddNote(ctx context.Context, note MemoryNote) (*MemoryNote, error) {
	if note.JobID == "" {
		return nil, fmt.Errorf("note requires a job id")
	}
	if !validNoteType(note.Type) {
		return nil, fmt.Errorf("note type %q not supported (decision, constraint, todo, glossary, link)", note.Type)
	}
	note.ID = uuid.NewString()
	if max := s.maxNoteBytes; int64(len(note.Body)) > max {
		note.Body = note.Body[:max]
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_notes (id, job_id, step_id, type, title, body, tags_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, note.ID, note.JobID, note.StepID, note.Type, note.Title, note.Body, marshalList(note.Tags)); err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &note, nil
}

const noteColumns = `id, job_id, step_id, type, title, body, tags_json, created_at`

func (s *Store) ListNotes(ctx context.Context, jobID string, limit int) ([]MemoryNote, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM memory_notes
		WHERE job_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows)
}

// SearchNotes finds a job's live notes matching the query, most recent first.
func (s *Store) SearchNotes(ctx context.Context, jobID, query string, limit int) ([]MemoryNote, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM memory_notes
		WHERE job_id = ? AND (title LIKE ? OR body LIKE ? OR tags_json LIKE ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, jobID, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows)
}

func scanNotes(rows *sql.Rows) ([]MemoryNote, error) {
	var out []MemoryNote
	for rows.Next() {
		var n MemoryNote
		var tagsJSON string
		if err := rows.Scan(&n.ID, &n.JobID, &n.StepID, &n.Type, &n.Title, &n.Body, &tagsJSON, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
		out = append(out, n)
	}
	return out, rows.Err()
}

// NoteUsage returns one job's live note count and total body bytes.
func (s *Store) NoteUsage(ctx context.Context, jobID string) (count int, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(LENGTH(body)), 0) FROM memory_notes WHERE job_id = ?;
	`, jobID).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("note usage: %w", err)
	}
	return count, bytes, nil
}

// NoteJobIDs returns the distinct jobs that currently hold live notes.
func (s *Store) NoteJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT job_id FROM memory_notes ORDER BY job_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("note job ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note job id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ArchiveNotes snapshots one job's live notes, except the keepRecent most
// recent, into a single archive row and deletes them, all in one transaction.
// Readers see either the full pre-archive set or the post-archive set, never
// a mix. Returns nil, nil when there was nothing to archive.
func (s *Store) ArchiveNotes(ctx context.Context, jobID string, keepRecent int) (*NoteArchive, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	var archive *NoteArchive
	err := retryOnBusy(ctx, 5, func() error {
		archive = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+noteColumns+`
			FROM memory_notes
			WHERE job_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT -1 OFFSET ?;
		`, jobID, keepRecent)
		if err != nil {
			return fmt.Errorf("select archivable notes: %w", err)
		}
		victims, err := scanNotes(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			return nil
		}

		blob, err := json.Marshal(victims)
		if err != nil {
			return fmt.Errorf("marshal archive blob: %w", err)
		}
		var byteSize int64
		for _, n := range victims {
			byteSize += int64(len(n.Body))
		}

		a := NoteArchive{
			ID:        uuid.NewString(),
			JobID:     jobID,
			NoteCount: len(victims),
			ByteSize:  byteSize,
			Blob:      string(blob),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_archives (id, job_id, note_count, byte_size, blob, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, a.ID, a.JobID, a.NoteCount, a.ByteSize, a.Blob); err != nil {
			return fmt.Errorf("insert archive: %w", err)
		}
		for _, n := range victims {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_notes WHERE id = ?;`, n.ID); err != nil {
				return fmt.Errorf("delete archived note: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit archive tx: %w", err)
		}
		archive = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// ListArchives returns archive snapshots, newest first. An empty jobID lists
// archives across all jobs.
func (s *Store) ListArchives(ctx context.Context, jobID string, limit int) ([]NoteArchive, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, note_count, byte_size, created_at
		FROM memory_archives
		WHERE (? = '' OR job_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, jobID, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []NoteArchive
	for rows.Next() {
		var a NoteArchive
		if err := rows.Scan(&a.ID, &a.JobID, &a.NoteCount, &a.ByteSize, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArchiveNotes decodes the notes held in one archive blob.
func (s *Store) GetArchiveNotes(ctx context.Context, archiveID string) ([]MemoryNote, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM memory_archives WHERE id = ?;`, archiveID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	var notes []MemoryNote
	if err := json.Unmarshal([]byte(blob), &notes); err != nil {
		return nil, fmt.Errorf("decode archive blob: %w", err)
	}
	return notes, nil
}
