package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rfusync/internal/session"
)

// ErrUploadNotFound is returned when an upload id has no journal row.
var ErrUploadNotFound = errors.New("upload not found")

// StartUpload records an attempt in state pending and returns its id.
// seq is one past the largest recorded seq.
func (s *Store) StartUpload(ctx context.Context, a session.Attempt) (string, error) {
	counts, err := marshalCounts(a.Counts)
	if err != nil {
		return "", fmt.Errorf("start upload: %w", err)
	}

	id := s.ids.Generate()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uploads
		(id, seq, started_at, zone, permalink, dossier_id, dossier_ref, comment, counts)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM uploads), ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		s.now(),
		a.Zone,
		a.Permalink,
		a.DossierID,
		a.Reference,
		a.Comment,
		counts,
	)
	if err != nil {
		return "", fmt.Errorf("start upload: %w", err)
	}
	return id, nil
}

// FinishUpload stores the outcome of upload id together with the server
// messages, replacing any previously stored messages.
func (s *Store) FinishUpload(ctx context.Context, id string, o session.Outcome) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish upload: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE uploads
		SET finished_at = ?, changeset = ?, state = ?, exported = ?, excluded = ?, error = ?
		WHERE id = ?
	`,
		s.now(),
		o.Changeset,
		o.State,
		o.Exported,
		o.Excluded,
		o.Err,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	if err = requireOneRow(res, id); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM upload_messages WHERE upload_id = ?`, id); err != nil {
		return fmt.Errorf("finish upload: clear messages: %w", err)
	}
	for i, m := range o.Messages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO upload_messages (upload_id, position, type, text)
			VALUES (?, ?, ?, ?)
		`, id, i, m.Type, m.Text)
		if err != nil {
			return fmt.Errorf("finish upload: message %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("finish upload: commit: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish upload: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish upload %s: %w", id, ErrUploadNotFound)
	}
	return nil
}

var _ session.Journal = (*Store)(nil)
