package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/ledger"
)

// Upload is one journal row.
type Upload struct {
	ID         string           `json:"id"`
	Seq        int64            `json:"seq"`
	StartedAt  string           `json:"started_at"`
	FinishedAt string           `json:"finished_at,omitempty"`
	Zone       string           `json:"zone"`
	Permalink  string           `json:"permalink"`
	DossierID  string           `json:"dossier_id"`
	Reference  string           `json:"dossier_ref"`
	Comment    string           `json:"comment"`
	Counts     ledger.Counts    `json:"counts"`
	Changeset  string           `json:"changeset,omitempty"`
	State      string           `json:"state"`
	Exported   int              `json:"exported"`
	Excluded   int              `json:"excluded"`
	Err        string           `json:"error,omitempty"`
	Messages   []api.LogMessage `json:"messages"`
}

// Filter narrows ListUploads. Zero values match everything.
type Filter struct {
	State     string
	Changeset string
	// Limit keeps only the most recent uploads.
	Limit int
}

const uploadColumns = `id, seq, started_at, COALESCE(finished_at, ''), zone, permalink,
	dossier_id, dossier_ref, comment, counts, changeset, state, exported, excluded, error`

// ListUploads returns journal rows ordered by seq ASC. With a Limit, the
// most recent rows are kept, still in ascending order.
//
// Messages are not loaded; use Upload for a single row with its messages.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListUploads(ctx context.Context, f Filter) ([]Upload, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Changeset != "" {
		where = append(where, "changeset = ?")
		args = append(args, f.Changeset)
	}

	query := "SELECT " + uploadColumns + " FROM uploads"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC, id COLLATE BINARY DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	uploads := []Upload{}
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}

	// Reverse into ascending seq order
	for i, j := 0, len(uploads)-1; i < j; i, j = i+1, j-1 {
		uploads[i], uploads[j] = uploads[j], uploads[i]
	}
	return uploads, nil
}

// Upload returns a single journal row with its server messages.
func (s *Store) Upload(ctx context.Context, id string) (Upload, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, fmt.Errorf("upload %s: %w", id, ErrUploadNotFound)
	}
	if err != nil {
		return Upload{}, err
	}

	u.Messages, err = s.readMessages(ctx, id)
	if err != nil {
		return Upload{}, err
	}
	return u, nil
}

func (s *Store) readMessages(ctx context.Context, id string) ([]api.LogMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, text
		FROM upload_messages
		WHERE upload_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []api.LogMessage{}
	for rows.Next() {
		var m api.LogMessage
		if err := rows.Scan(&m.Type, &m.Text); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (Upload, error) {
	var (
		u      Upload
		counts string
	)
	err := row.Scan(
		&u.ID,
		&u.Seq,
		&u.StartedAt,
		&u.FinishedAt,
		&u.Zone,
		&u.Permalink,
		&u.DossierID,
		&u.Reference,
		&u.Comment,
		&counts,
		&u.Changeset,
		&u.State,
		&u.Exported,
		&u.Excluded,
		&u.Err,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, err
	}
	if err != nil {
		return Upload{}, fmt.Errorf("scan upload: %w", err)
	}

	u.Counts, err = unmarshalCounts(counts)
	if err != nil {
		return Upload{}, err
	}
	u.Messages = []api.LogMessage{}
	return u, nil
}
