package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spiderfoot/fabric/pkg/types"
)

// Schema creates the reports table and its indices. Exposed for the migrate
// tool; portable between sqlite3 and postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS reports (
	id                 TEXT PRIMARY KEY,
	scan_id            TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT '',
	type               TEXT NOT NULL DEFAULT '',
	progress           INTEGER NOT NULL DEFAULT 0,
	message            TEXT NOT NULL DEFAULT '',
	executive_summary  TEXT NOT NULL DEFAULT '',
	recommendations    TEXT NOT NULL DEFAULT 'null',
	sections           TEXT NOT NULL DEFAULT 'null',
	metadata           TEXT NOT NULL DEFAULT 'null',
	generation_time_ms INTEGER NOT NULL DEFAULT 0,
	token_count        INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_scan_id ON reports (scan_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports (status);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports (created_at);
`

const reportColumns = `id, scan_id, title, status, type, progress, message,
	executive_summary, recommendations, sections, metadata,
	generation_time_ms, token_count, created_at, updated_at`

// SQLStore persists reports in a single table. Nested fields are stored as
// JSON text so the schema stays flat. The store owns the handed-over pool
// and closes it.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQL wraps an open pool and ensures the schema exists. The caller
// configures pooling and driver choice; sqlite3 and postgres are supported.
func NewSQL(db *sqlx.DB) (*SQLStore, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// EnsureSchema applies the DDL. Safe to run repeatedly.
func EnsureSchema(db *sqlx.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// reportRow is the flat table shape; JSON columns carry the nested fields.
type reportRow struct {
	ID               string    `db:"id"`
	ScanID           string    `db:"scan_id"`
	Title            string    `db:"title"`
	Status           string    `db:"status"`
	Type             string    `db:"type"`
	Progress         int       `db:"progress"`
	Message          string    `db:"message"`
	ExecutiveSummary string    `db:"executive_summary"`
	Recommendations  string    `db:"recommendations"`
	Sections         string    `db:"sections"`
	Metadata         string    `db:"metadata"`
	GenerationTimeMS int64     `db:"generation_time_ms"`
	TokenCount       int       `db:"token_count"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func toRow(r *types.Report) (*reportRow, error) {
	recs, err := json.Marshal(r.Recommendations)
	if err != nil {
		return nil, fmt.Errorf("encode recommendations: %w", err)
	}
	secs, err := json.Marshal(r.Sections)
	if err != nil {
		return nil, fmt.Errorf("encode sections: %w", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return &reportRow{
		ID:               r.ID,
		ScanID:           r.ScanID,
		Title:            r.Title,
		Status:           r.Status,
		Type:             r.Type,
		Progress:         r.Progress,
		Message:          r.Message,
		ExecutiveSummary: r.ExecutiveSummary,
		Recommendations:  string(recs),
		Sections:         string(secs),
		Metadata:         string(meta),
		GenerationTimeMS: r.GenerationTimeMS,
		TokenCount:       r.TokenCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func fromRow(row *reportRow) (*types.Report, error) {
	r := &types.Report{
		ID:               row.ID,
		ScanID:           row.ScanID,
		Title:            row.Title,
		Status:           row.Status,
		Type:             row.Type,
		Progress:         row.Progress,
		Message:          row.Message,
		ExecutiveSummary: row.ExecutiveSummary,
		GenerationTimeMS: row.GenerationTimeMS,
		TokenCount:       row.TokenCount,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	for _, col := range []struct {
		raw  string
		dest any
	}{
		{row.Recommendations, &r.Recommendations},
		{row.Sections, &r.Sections},
		{row.Metadata, &r.Metadata},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", row.ID, err)
		}
	}
	return r, nil
}

// Save upserts a report.
func (s *SQLStore) Save(ctx context.Context, r *types.Report) error {
	stamp(r)
	row, err := toRow(r)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO reports (` + reportColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scan_id = excluded.scan_id,
			title = excluded.title,
			status = excluded.status,
			type = excluded.type,
			progress = excluded.progress,
			message = excluded.message,
			executive_summary = excluded.executive_summary,
			recommendations = excluded.recommendations,
			sections = excluded.sections,
			metadata = excluded.metadata,
			generation_time_ms = excluded.generation_time_ms,
			token_count = excluded.token_count,
			updated_at = excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, q,
		row.ID, row.ScanID, row.Title, row.Status, row.Type, row.Progress,
		row.Message, row.ExecutiveSummary, row.Recommendations, row.Sections,
		row.Metadata, row.GenerationTimeMS, row.TokenCount, row.CreatedAt,
		row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// Get returns a report by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*types.Report, error) {
	var row reportRow
	q := s.db.Rebind(`SELECT ` + reportColumns + ` FROM reports WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return fromRow(&row)
}

// Update overwrites an existing report. The stored creation time is
// preserved by never touching the created_at column.
func (s *SQLStore) Update(ctx context.Context, r *types.Report) error {
	r.UpdatedAt = time.Now().UTC()
	row, err := toRow(r)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE reports SET
			scan_id = ?, title = ?, status = ?, type = ?, progress = ?,
			message = ?, executive_summary = ?, recommendations = ?,
			sections = ?, metadata = ?, generation_time_ms = ?,
			token_count = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		row.ScanID, row.Title, row.Status, row.Type, row.Progress,
		row.Message, row.ExecutiveSummary, row.Recommendations, row.Sections,
		row.Metadata, row.GenerationTimeMS, row.TokenCount, row.UpdatedAt,
		row.ID)
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

// Delete removes a report.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	q := s.db.Rebind(`DELETE FROM reports WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// buildWhere translates a Filter into a WHERE clause with ?-placeholders.
func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ScanID != "" {
		conds = append(conds, "scan_id = ?")
		args = append(args, f.ScanID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns matching reports newest-first.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]*types.Report, error) {
	where, args := buildWhere(f)
	q := `SELECT ` + reportColumns + ` FROM reports` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			// sqlite requires LIMIT before OFFSET
			limit = 1<<31 - 1
		}
		q += ` LIMIT ?`
		args = append(args, limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	var rows []reportRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	out := make([]*types.Report, 0, len(rows))
	for i := range rows {
		r, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns how many reports match, ignoring limit and offset.
func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM reports` + where)
	if err := s.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

// CleanupOld removes reports older than maxAgeDays.
func (s *SQLStore) CleanupOld(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	q := s.db.Rebind(`DELETE FROM reports WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff(maxAgeDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup reports: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
