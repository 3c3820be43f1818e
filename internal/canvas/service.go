// Package canvas manages the mutable side-artifact attached to each
// branch: per-user drafts, content-addressed snapshot blobs, and the
// hashes that let readers show a pending-changes indicator without
// transferring content.
package canvas

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"loom/api/internal/store"

	"golang.org/x/crypto/blake2b"
)

// BlobStore holds committed canvas content addressed by hash. Backed by
// MinIO when configured, by the canvas_blobs table otherwise.
type BlobStore interface {
	Put(ctx context.Context, hash, content string) error
	Get(ctx context.Context, hash string) (string, error)
}

// Store is the slice of the catalog the canvas needs.
type Store interface {
	UpsertDraft(ctx context.Context, item store.Draft) error
	GetDraft(ctx context.Context, refID, userID string) (store.Draft, error)
	SaveCanvasBlob(ctx context.Context, hash, content string) error
	GetCanvasBlob(ctx context.Context, hash string) (string, error)
}

// HashContent returns the canonical content hash for canvas text.
func HashContent(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type Service struct {
	store Store
	blobs BlobStore
}

func New(dataStore Store, blobs BlobStore) *Service {
	if blobs == nil {
		blobs = &pgBlobs{store: dataStore}
	}
	return &Service{store: dataStore, blobs: blobs}
}

// SaveDraft overwrites the user's draft in place. Drafts live outside
// the append-only log until committed.
func (s *Service) SaveDraft(ctx context.Context, refID, userID, content string) (store.Draft, error) {
	draft := store.Draft{
		RefID:       refID,
		UserID:      userID,
		Content:     content,
		ContentHash: HashContent(content),
	}
	if err := s.store.UpsertDraft(ctx, draft); err != nil {
		return store.Draft{}, err
	}
	saved, err := s.store.GetDraft(ctx, refID, userID)
	if err != nil {
		return store.Draft{}, fmt.Errorf("read back draft: %w", err)
	}
	return saved, nil
}

// Status is the cheap draft-vs-committed comparison: hashes only.
type Status struct {
	DraftHash     string
	CommittedHash string
	Pending       bool
}

func (s *Service) Status(ctx context.Context, ref store.Ref, userID string) (Status, error) {
	draft, err := s.store.GetDraft(ctx, ref.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{CommittedHash: ref.CanvasHash}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read draft: %w", err)
	}
	return Status{
		DraftHash:     draft.ContentHash,
		CommittedHash: ref.CanvasHash,
		Pending:       draft.ContentHash != ref.CanvasHash,
	}, nil
}

func (s *Service) GetDraft(ctx context.Context, refID, userID string) (store.Draft, error) {
	return s.store.GetDraft(ctx, refID, userID)
}

// StoreBlob persists committed content and returns its hash. Identical
// content is stored once.
func (s *Service) StoreBlob(ctx context.Context, content string) (string, error) {
	hash := HashContent(content)
	if err := s.blobs.Put(ctx, hash, content); err != nil {
		return "", fmt.Errorf("store canvas blob: %w", err)
	}
	return hash, nil
}

// GetContent resolves a committed hash back to content. An empty hash is
// an empty canvas.
func (s *Service) GetContent(ctx context.Context, hash string) (string, error) {
	if hash == "" {
		return "", nil
	}
	content, err := s.blobs.Get(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("load canvas blob %s: %w", hash, err)
	}
	return content, nil
}

// pgBlobs is the relational fallback blob store.
type pgBlobs struct {
	store Store
}

func (p *pgBlobs) Put(ctx context.Context, hash, content string) error {
	return p.store.SaveCanvasBlob(ctx, hash, content)
}

func (p *pgBlobs) Get(ctx context.Context, hash string) (string, error) {
	return p.store.GetCanvasBlob(ctx, hash)
}
