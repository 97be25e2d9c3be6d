package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
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

// Search runs a UNION ALL over projects, tasks and notes ranked with
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	sqlText, args := buildPgQuery(q)
	if sqlText == "" {
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

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+sqlText+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, project_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, sqlText, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildPgQuery returns the UNION of per-type sub-queries; $1 is always the
// search text.
func buildPgQuery(q Query) (string, []any) {
	const tsQuery = "plainto_tsquery('english', $1)"
	projects := q.allowedProjects()
	args := []any{q.Text}
	projectArg := ""
	if len(projects) > 0 && (q.wants(ResultProject) || q.wants(ResultTask)) {
		args = append(args, projects)
		projectArg = fmt.Sprintf("$%d", len(args))
	}

	var parts []string
	if q.wants(ResultProject) && projectArg != "" {
		vec := "to_tsvector('english', p.title || ' ' || p.description)"
		parts = append(parts, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.title,
				ts_headline('english', p.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM projects p
			WHERE p.id = ANY(%[3]s) AND %[2]s @@ %[1]s`, tsQuery, vec, projectArg))
	}
	if q.wants(ResultTask) && projectArg != "" {
		vec := "to_tsvector('english', t.title || ' ' || t.description)"
		parts = append(parts, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				ts_headline('english', t.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.project_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM tasks t
			WHERE t.project_id = ANY(%[3]s) AND %[2]s @@ %[1]s`, tsQuery, vec, projectArg))
	}
	if q.wants(ResultNote) && q.OwnerID != "" && q.FilterProjectID == "" {
		args = append(args, q.OwnerID)
		vec := "to_tsvector('english', n.title || ' ' || n.extracted_content)"
		parts = append(parts, fmt.Sprintf(`
			SELECT 'note'::text AS type, n.id, n.title,
				ts_headline('english', n.extracted_content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS project_id,
				ts_rank(%[2]s, %[1]s) AS rank
			FROM notes n
			WHERE n.owner_id = $%[3]d AND %[2]s @@ %[1]s`, tsQuery, vec, len(args)))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, " UNION ALL "), args
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []TaskRecord, []NoteRecord, error) {
	projects := make([]ProjectRecord, 0)
	err := p.each(ctx, `SELECT id, title, description, is_public FROM projects`, func(rows *sql.Rows) error {
		var r ProjectRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.IsPublic); err != nil {
			return err
		}
		projects = append(projects, r)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}

	tasks := make([]TaskRecord, 0)
	err = p.each(ctx, `SELECT id, project_id, title, description, status FROM tasks`, func(rows *sql.Rows) error {
		var r TaskRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Title, &r.Description, &r.Status); err != nil {
			return err
		}
		tasks = append(tasks, r)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tasks: %w", err)
	}

	notes := make([]NoteRecord, 0)
	err = p.each(ctx, `SELECT id, owner_id, title, extracted_content FROM notes`, func(rows *sql.Rows) error {
		var r NoteRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Content); err != nil {
			return err
		}
		notes = append(notes, r)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load notes: %w", err)
	}
	return projects, tasks, notes, nil
}

func (p *PgFTS) each(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
