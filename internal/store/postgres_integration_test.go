package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/api/internal/history"
	"loom/api/internal/util"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// These tests need a throwaway Postgres; they drop and recreate the
// public schema on every run.
func setupPostgres(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LOOM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LOOM_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), db
}

func insertProjectAndTrunk(t *testing.T, s *PostgresStore) (Project, Ref) {
	t.Helper()
	ctx := context.Background()
	project := Project{ID: util.NewID("proj"), Name: "Demo"}
	if err := s.InsertProject(ctx, project); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	trunk := Ref{ID: util.NewID("ref"), ProjectID: project.ID, Name: "main", IsTrunk: true}
	if err := s.InsertRef(ctx, trunk); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	return project, trunk
}

func TestCatalogRoundTripPostgres(t *testing.T) {
	s, _ := setupPostgres(t)
	ctx := context.Background()

	project, trunk := insertProjectAndTrunk(t, s)

	got, err := s.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.Name != "Demo" {
		t.Fatalf("project = %+v", got)
	}

	ref, err := s.GetRefByName(ctx, project.ID, "main")
	if err != nil {
		t.Fatalf("GetRefByName() error = %v", err)
	}
	if ref.ID != trunk.ID || !ref.IsTrunk {
		t.Fatalf("ref = %+v", ref)
	}

	if err := s.SetRefProviderLock(ctx, trunk.ID, "acme", "acme-large"); err != nil {
		t.Fatalf("SetRefProviderLock() error = %v", err)
	}
	if err := s.SetRefCanvasHash(ctx, trunk.ID, "deadbeef"); err != nil {
		t.Fatalf("SetRefCanvasHash() error = %v", err)
	}
	ref, err = s.GetRef(ctx, trunk.ID)
	if err != nil {
		t.Fatalf("GetRef() error = %v", err)
	}
	if ref.Provider != "acme" || ref.Model != "acme-large" || ref.CanvasHash != "deadbeef" {
		t.Fatalf("ref after updates = %+v", ref)
	}

	if _, err := s.GetRefByName(ctx, project.ID, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing ref error = %v, want sql.ErrNoRows", err)
	}
}

func TestPinIsExclusivePerProjectPostgres(t *testing.T) {
	s, _ := setupPostgres(t)
	ctx := context.Background()

	project, trunk := insertProjectAndTrunk(t, s)
	other := Ref{ID: util.NewID("ref"), ProjectID: project.ID, Name: "feature"}
	if err := s.InsertRef(ctx, other); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}

	if err := s.SetRefPinned(ctx, project.ID, trunk.ID, true); err != nil {
		t.Fatalf("SetRefPinned() error = %v", err)
	}
	if err := s.SetRefPinned(ctx, project.ID, other.ID, true); err != nil {
		t.Fatalf("SetRefPinned() error = %v", err)
	}

	refs, err := s.ListRefs(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListRefs() error = %v", err)
	}
	pinned := 0
	for _, r := range refs {
		if r.IsPinned {
			pinned++
			if r.ID != other.ID {
				t.Fatalf("pin stayed on %s", r.ID)
			}
		}
	}
	if pinned != 1 {
		t.Fatalf("pinned = %d, want 1", pinned)
	}
}

func TestLeaseFallbackPostgres(t *testing.T) {
	s, _ := setupPostgres(t)
	ctx := context.Background()

	_, trunk := insertProjectAndTrunk(t, s)

	lease, err := s.AcquireLease(ctx, trunk.ID, "alice", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if lease.Holder != "alice" {
		t.Fatalf("lease = %+v", lease)
	}

	got, err := s.AcquireLease(ctx, trunk.ID, "bob", time.Minute)
	if !errors.Is(err, history.ErrLeaseConflict) {
		t.Fatalf("conflicting acquire error = %v, want ErrLeaseConflict", err)
	}
	if got.Holder != "alice" {
		t.Fatalf("conflict holder = %q, want alice", got.Holder)
	}

	// Renewal by the holder succeeds.
	if _, err := s.AcquireLease(ctx, trunk.ID, "alice", time.Minute); err != nil {
		t.Fatalf("renewal error = %v", err)
	}

	if err := s.ReleaseLease(ctx, trunk.ID, "bob"); err != nil {
		t.Fatalf("ReleaseLease() by non-holder error = %v", err)
	}
	if _, ok, _ := s.GetLease(ctx, trunk.ID); !ok {
		t.Fatal("lease vanished after non-holder release")
	}
	if err := s.ReleaseLease(ctx, trunk.ID, "alice"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if _, err := s.AcquireLease(ctx, trunk.ID, "bob", time.Minute); err != nil {
		t.Fatalf("acquire after release error = %v", err)
	}
}

func TestNodeBackendConformancePostgres(t *testing.T) {
	s, db := setupPostgres(t)
	ctx := context.Background()

	project, trunk := insertProjectAndTrunk(t, s)
	engine := history.New(NewNodeBackend(db))

	var nodes []history.Node
	for _, content := range []string{"a", "b", "c"} {
		node, err := engine.Append(ctx, project.ID, trunk.ID, history.Node{
			Branch:  trunk.Name,
			Payload: history.Message{Role: history.RoleUser, Content: content},
		})
		if err != nil {
			t.Fatalf("Append(%q) error = %v", content, err)
		}
		nodes = append(nodes, node)
	}

	head, err := engine.HeadOf(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("HeadOf() error = %v", err)
	}
	if head != nodes[2].ID {
		t.Fatalf("head = %q, want %q", head, nodes[2].ID)
	}
	if err := engine.CheckOrdering(ctx, project.ID, trunk.ID); err != nil {
		t.Fatalf("CheckOrdering() error = %v", err)
	}

	read, err := engine.Read(ctx, project.ID, trunk.ID, 2, -1)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(read) != 2 || read[0].ID != nodes[1].ID || read[1].ID != nodes[2].ID {
		t.Fatalf("windowed read = %+v", read)
	}

	// Fork keeps the prefix; the fork's ref row must exist first.
	fork := Ref{ID: util.NewID("ref"), ProjectID: project.ID, Name: "feature"}
	if err := s.InsertRef(ctx, fork); err != nil {
		t.Fatalf("InsertRef() error = %v", err)
	}
	if err := engine.ForkFromNode(ctx, project.ID, trunk.ID, fork.ID, nodes[1].ID, true); err != nil {
		t.Fatalf("ForkFromNode() error = %v", err)
	}
	count, err := engine.NodeCount(ctx, project.ID, fork.ID)
	if err != nil {
		t.Fatalf("NodeCount() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("fork count = %d, want 2", count)
	}
	// The trunk-only suffix is not addressable through the fork.
	if _, err := engine.GetNode(ctx, project.ID, fork.ID, nodes[2].ID); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("GetNode() of sibling-only node error = %v, want ErrNotFound", err)
	}
	if _, err := engine.GetNode(ctx, project.ID, fork.ID, nodes[0].ID); err != nil {
		t.Fatalf("GetNode() of inherited node error = %v", err)
	}

	// Rebuild reproduces the same ordering.
	n, err := engine.Repair(ctx, project.ID, trunk.ID)
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Repair() length = %d, want 3", n)
	}
	if err := engine.CheckOrdering(ctx, project.ID, trunk.ID); err != nil {
		t.Fatalf("CheckOrdering() after repair error = %v", err)
	}
}
