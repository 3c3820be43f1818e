package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the
// search_entries table. The table doubles as the durable index: the
// service writes a row per message node whichever node-log backend is
// configured, so search keeps working when the log lives in git.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole engine is
// down.
func (p *PgFTS) Healthy() bool {
	return true
}

// IndexMessage records one message node in the fallback index.
func (p *PgFTS) IndexMessage(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO search_entries (node_id, project_id, ref_id, branch_name, role, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO NOTHING
	`, rec.NodeID, rec.ProjectID, rec.RefID, rec.Branch, rec.Role, rec.Content)
	if err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return nil
}

// Search runs plainto_tsquery with ts_rank ordering and ts_headline
// snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `fts @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.ProjectID != "" {
		where += ` AND project_id = $2`
		args = append(args, q.ProjectID)
	}

	ctx := context.Background()

	var total int
	countSQL := `SELECT count(*) FROM search_entries WHERE ` + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT node_id, project_id, ref_id, branch_name, role,
			ts_headline('english', content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM search_entries
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.NodeID, &r.ProjectID, &r.RefID, &r.Branch, &r.Role, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every indexed node for full reindexing into
// Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, project_id, ref_id, branch_name, role, content
		FROM search_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("load search entries: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.NodeID, &rec.ProjectID, &rec.RefID, &rec.Branch, &rec.Role, &rec.Content); err != nil {
			return nil, fmt.Errorf("scan search entry: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search entries: %w", err)
	}
	return records, nil
}
