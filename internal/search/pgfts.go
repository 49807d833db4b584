package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the stored content documents using
// PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// typeExpr maps a content envelope to its result type.
const typeExpr = `CASE WHEN body->>'kind' = 'element' AND body->'data'->>'type' = 'board' THEN 'board' ELSE body->>'kind' END`

// Search ranks live content documents of one project with plainto_tsquery
// and ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	where := `collection = 'contents' AND NOT deleted AND body->>'projectId' = $2 AND fts @@ plainto_tsquery('simple', $1)`
	args := []any{q.Text, q.ProjectID}
	if q.FilterType != "" {
		where += " AND " + typeExpr + " = $3"
		args = append(args, string(q.FilterType))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM documents WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT path, %s,
			COALESCE(body->'data'->>'name', ''),
			ts_headline('simple', COALESCE(body->'data'->>'text', ''), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30')
		FROM documents
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, path
		LIMIT %d OFFSET %d`, typeExpr, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var path, typ string
		if err := rows.Scan(&path, &typ, &r.Name, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = strings.TrimPrefix(path, "contents/")
		r.ProjectID = q.ProjectID
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadRecords returns every live content record of a project for
// reindexing.
func (p *PgFTS) LoadRecords(ctx context.Context, projectID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT path, `+typeExpr+`,
			COALESCE(body->'data'->>'name', ''),
			COALESCE(body->'data'->>'text', '')
		FROM documents
		WHERE collection = 'contents' AND NOT deleted AND body->>'projectId' = $1
		ORDER BY path
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var path, typ string
		if err := rows.Scan(&path, &typ, &r.Name, &r.Text); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.ID = strings.TrimPrefix(path, "contents/")
		r.ProjectID = projectID
		r.Key = recordKey(projectID, r.ID)
		r.Type = ResultType(typ)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
