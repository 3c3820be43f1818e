package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/api/internal/history"
)

// PostgresStore is the catalog: projects, branch metadata, drafts, the
// canvas blob fallback, and the lease fallback. It is always present,
// whichever node-log backend is configured.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertProject(ctx context.Context, item Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name)
		VALUES ($1, $2)
	`, item.ID, item.Name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM projects
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

const refColumns = `id, project_id, name, is_trunk, is_pinned, is_hidden, provider, model, canvas_hash, created_at, updated_at`

func scanRef(scan func(...any) error) (Ref, error) {
	var r Ref
	err := scan(&r.ID, &r.ProjectID, &r.Name, &r.IsTrunk, &r.IsPinned, &r.IsHidden, &r.Provider, &r.Model, &r.CanvasHash, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) InsertRef(ctx context.Context, item Ref) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refs (id, project_id, name, is_trunk, is_pinned, is_hidden, provider, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.ProjectID, item.Name, item.IsTrunk, item.IsPinned, item.IsHidden, item.Provider, item.Model)
	if err != nil {
		return fmt.Errorf("insert ref: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRef(ctx context.Context, refID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refs WHERE id=$1`, refID)
	if err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRef(ctx context.Context, refID string) (Ref, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refColumns+` FROM refs WHERE id=$1`, refID)
	return scanRef(row.Scan)
}

func (s *PostgresStore) GetRefByName(ctx context.Context, projectID, name string) (Ref, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refColumns+` FROM refs WHERE project_id=$1 AND name=$2`, projectID, name)
	return scanRef(row.Scan)
}

func (s *PostgresStore) ListRefs(ctx context.Context, projectID string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refColumns+`
		FROM refs
		WHERE project_id=$1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()

	items := make([]Ref, 0)
	for rows.Next() {
		item, err := scanRef(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenameRef(ctx context.Context, refID, newName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refs SET name=$2, updated_at=NOW() WHERE id=$1
	`, refID, newName)
	if err != nil {
		return fmt.Errorf("rename ref: %w", err)
	}
	return nil
}

// SetRefPinned pins one branch; at most one branch per project is
// pinned, so pinning clears any previous pin in the same transaction.
func (s *PostgresStore) SetRefPinned(ctx context.Context, projectID, refID string, pinned bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin tx: %w", err)
	}
	if pinned {
		if _, err := tx.ExecContext(ctx, `
			UPDATE refs SET is_pinned=FALSE, updated_at=NOW()
			WHERE project_id=$1 AND is_pinned=TRUE
		`, projectID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear previous pin: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE refs SET is_pinned=$2, updated_at=NOW() WHERE id=$1
	`, refID, pinned); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set pinned: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRefHidden(ctx context.Context, refID string, hidden bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refs SET is_hidden=$2, updated_at=NOW() WHERE id=$1
	`, refID, hidden)
	if err != nil {
		return fmt.Errorf("set hidden: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRefProviderLock(ctx context.Context, refID, provider, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refs SET provider=$2, model=$3, updated_at=NOW() WHERE id=$1
	`, refID, provider, model)
	if err != nil {
		return fmt.Errorf("set provider lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRefCanvasHash(ctx context.Context, refID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refs SET canvas_hash=$2, updated_at=NOW() WHERE id=$1
	`, refID, hash)
	if err != nil {
		return fmt.Errorf("set canvas hash: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertDraft(ctx context.Context, item Draft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (ref_id, user_id, content, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (ref_id, user_id)
		DO UPDATE SET content=EXCLUDED.content, content_hash=EXCLUDED.content_hash, updated_at=NOW()
	`, item.RefID, item.UserID, item.Content, item.ContentHash)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, refID, userID string) (Draft, error) {
	var item Draft
	err := s.db.QueryRowContext(ctx, `
		SELECT ref_id, user_id, content, content_hash, updated_at
		FROM drafts
		WHERE ref_id=$1 AND user_id=$2
	`, refID, userID).Scan(&item.RefID, &item.UserID, &item.Content, &item.ContentHash, &item.UpdatedAt)
	if err != nil {
		return Draft{}, err
	}
	return item, nil
}

// SaveCanvasBlob is the relational fallback for the content-addressed
// blob store; identical content shares one row.
func (s *PostgresStore) SaveCanvasBlob(ctx context.Context, hash, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_blobs (hash, content)
		VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING
	`, hash, content)
	if err != nil {
		return fmt.Errorf("save canvas blob: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCanvasBlob(ctx context.Context, hash string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM canvas_blobs WHERE hash=$1`, hash).Scan(&content)
	if err != nil {
		return "", err
	}
	return content, nil
}

// AcquireLease grants or renews the branch's edit lease. An unexpired
// lease with a different holder wins: the attempt fails with the current
// holder attached.
func (s *PostgresStore) AcquireLease(ctx context.Context, refID, holder string, ttl time.Duration) (Lease, error) {
	expiresAt := time.Now().Add(ttl)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (ref_id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ref_id) DO UPDATE SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder OR leases.expires_at <= NOW()
	`, refID, holder, expiresAt)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease result: %w", err)
	}
	if affected == 0 {
		current, ok, err := s.GetLease(ctx, refID)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return current, fmt.Errorf("branch %s: %w", refID, history.ErrLeaseConflict)
		}
		return Lease{}, fmt.Errorf("branch %s: %w", refID, history.ErrLeaseConflict)
	}
	return Lease{RefID: refID, Holder: holder, ExpiresAt: expiresAt}, nil
}

// ReleaseLease is a no-op when the holder does not match.
func (s *PostgresStore) ReleaseLease(ctx context.Context, refID, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE ref_id=$1 AND holder=$2
	`, refID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the active lease, if any. Expired leases are absent.
func (s *PostgresStore) GetLease(ctx context.Context, refID string) (Lease, bool, error) {
	var item Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT ref_id, holder, expires_at
		FROM leases
		WHERE ref_id=$1 AND expires_at > NOW()
	`, refID).Scan(&item.RefID, &item.Holder, &item.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("get lease: %w", err)
	}
	return item, true, nil
}
