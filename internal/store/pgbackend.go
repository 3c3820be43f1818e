package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"loom/api/internal/history"
)

// NodeBackend is the relational implementation of the node-log contract:
// nodes in one append-only table, the ordering index in node_ordering,
// and the tip on the branch's refs row. It must behave identically to
// the git backend; the shared conformance suite holds both to that.
type NodeBackend struct {
	db *sql.DB
}

var _ history.Backend = (*NodeBackend)(nil)

func NewNodeBackend(db *sql.DB) *NodeBackend {
	return &NodeBackend{db: db}
}

// CreateProject is a no-op here: the catalog rows created by the service
// are all the relational backend needs for an empty trunk.
func (b *NodeBackend) CreateProject(ctx context.Context, projectID, trunkRefID string) error {
	return nil
}

func (b *NodeBackend) Append(ctx context.Context, projectID, refID string, node history.Node) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, project_id, parent_id, branch_name, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, node.ID, projectID, node.Parent, node.Branch, string(node.Payload.Kind()), payload, node.CreatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_ordering (ref_id, ordinal, node_id)
		SELECT $1, COALESCE(MAX(ordinal) + 1, 0), $2
		FROM node_ordering WHERE ref_id=$1
	`, refID, node.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert ordering row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refs SET head_node_id=$2, updated_at=NOW() WHERE id=$1
	`, refID, node.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("advance tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (b *NodeBackend) HeadOf(ctx context.Context, projectID, refID string) (string, error) {
	var head string
	err := b.db.QueryRowContext(ctx, `SELECT head_node_id FROM refs WHERE id=$1`, refID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("branch %s: %w", refID, history.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read tip: %w", err)
	}
	return head, nil
}

func (b *NodeBackend) OrderingIDs(ctx context.Context, projectID, refID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT node_id FROM node_ordering WHERE ref_id=$1 ORDER BY ordinal ASC
	`, refID)
	if err != nil {
		return nil, fmt.Errorf("read ordering: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ordering row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ordering: %w", err)
	}
	return ids, nil
}

func (b *NodeBackend) ReadOrdered(ctx context.Context, projectID, refID string, limit, beforeOrdinal int) ([]history.Node, error) {
	query := `
		SELECT n.payload
		FROM node_ordering o
		JOIN nodes n ON n.id = o.node_id
		WHERE o.ref_id=$1 AND ($2 < 0 OR o.ordinal < $2)
		ORDER BY o.ordinal DESC
	`
	args := []any{refID, beforeOrdinal}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read ordered nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]history.Node, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan node payload: %w", err)
		}
		var node history.Node
		if err := json.Unmarshal(payload, &node); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	// Query walks tip-first for the LIMIT; callers get ascending ordinals.
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes, nil
}

func (b *NodeBackend) GetNode(ctx context.Context, projectID, refID, nodeID string) (history.Node, error) {
	// Scoped through the ordering so a node on a sibling branch is not
	// reachable here, matching the git backend's per-branch tree.
	var payload []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT n.payload FROM nodes n
		JOIN node_ordering o ON o.node_id = n.id
		WHERE n.id=$1 AND n.project_id=$2 AND o.ref_id=$3
	`, nodeID, projectID, refID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Node{}, fmt.Errorf("node %s: %w", nodeID, history.ErrNotFound)
	}
	if err != nil {
		return history.Node{}, fmt.Errorf("read node %s: %w", nodeID, err)
	}
	var node history.Node
	if err := json.Unmarshal(payload, &node); err != nil {
		return history.Node{}, fmt.Errorf("decode node %s: %w", nodeID, err)
	}
	return node, nil
}

func (b *NodeBackend) NodeCount(ctx context.Context, projectID, refID string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM node_ordering WHERE ref_id=$1
	`, refID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ordering rows: %w", err)
	}
	return count, nil
}

func (b *NodeBackend) Fork(ctx context.Context, projectID, sourceRefID, newRefID string, ordering []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fork tx: %w", err)
	}

	for ordinal, nodeID := range ordering {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_ordering (ref_id, ordinal, node_id) VALUES ($1, $2, $3)
		`, newRefID, ordinal, nodeID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("copy ordering row %d: %w", ordinal, err)
		}
	}

	tip := ""
	if len(ordering) > 0 {
		tip = ordering[len(ordering)-1]
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE refs SET head_node_id=$2, updated_at=NOW() WHERE id=$1
	`, newRefID, tip); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set fork tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fork tx: %w", err)
	}
	return nil
}

func (b *NodeBackend) RebuildOrdering(ctx context.Context, projectID, refID string) (int, error) {
	tip, err := b.HeadOf(ctx, projectID, refID)
	if err != nil {
		return 0, err
	}

	var ids []string
	seen := make(map[string]struct{})
	for cursor := tip; cursor != ""; {
		if _, dup := seen[cursor]; dup {
			return 0, fmt.Errorf("parent chain of %s cycles at %s: %w", refID, cursor, history.ErrOrderingCorrupt)
		}
		seen[cursor] = struct{}{}

		var parent string
		err := b.db.QueryRowContext(ctx, `
			SELECT parent_id FROM nodes WHERE id=$1 AND project_id=$2
		`, cursor, projectID).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("parent chain of %s broken at %s: %w", refID, cursor, history.ErrOrderingCorrupt)
		}
		if err != nil {
			return 0, fmt.Errorf("walk parent chain: %w", err)
		}
		ids = append(ids, cursor)
		cursor = parent
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_ordering WHERE ref_id=$1`, refID); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("clear ordering: %w", err)
	}
	for ordinal, nodeID := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_ordering (ref_id, ordinal, node_id) VALUES ($1, $2, $3)
		`, refID, ordinal, nodeID); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert rebuilt row %d: %w", ordinal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild tx: %w", err)
	}
	return len(ids), nil
}
