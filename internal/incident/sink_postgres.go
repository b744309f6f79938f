package incident

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresSink mirrors closed incidents into the incidents table (schema
// shipped via internal/dbmigrate) for query-side MTTR rollups, following the
// same sqlx wrapper shape as snapshot.PostgresBackend.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink wraps an already-open sqlx.DB.
func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

type incidentRow struct {
	ID            string         `db:"id"`
	FailureMode   string         `db:"failure_mode"`
	DetectedAt    sql.NullTime   `db:"detected_at"`
	ResolvedAt    sql.NullTime   `db:"resolved_at"`
	ActionIDs     pq.StringArray `db:"action_ids"`
	RequiresHuman bool           `db:"requires_human"`
}

// Write upserts inc into the incidents table.
func (s *PostgresSink) Write(ctx context.Context, inc Incident) error {
	row := incidentRow{
		ID:            inc.ID,
		FailureMode:   inc.FailureMode,
		DetectedAt:    sql.NullTime{Time: inc.DetectedAt, Valid: !inc.DetectedAt.IsZero()},
		ActionIDs:     pq.StringArray(inc.ActionIDs),
		RequiresHuman: inc.RequiresHuman,
	}
	if inc.ResolvedAt != nil {
		row.ResolvedAt = sql.NullTime{Time: *inc.ResolvedAt, Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO incidents (id, failure_mode, detected_at, resolved_at, action_ids, requires_human)
		VALUES (:id, :failure_mode, :detected_at, :resolved_at, :action_ids, :requires_human)
		ON CONFLICT (id) DO UPDATE SET
			resolved_at = EXCLUDED.resolved_at,
			action_ids = EXCLUDED.action_ids,
			requires_human = EXCLUDED.requires_human
	`, row)
	return err
}

// AggregateSince computes MTTR stats over incidents resolved within the last
// 24 hours directly from Postgres, for deployments that want query-side
// rollups spanning process restarts. The window is fixed (there is no
// duration parameter), and successRatio is always 0: the incidents table
// stores no outcome column.
func (s *PostgresSink) AggregateSince(ctx context.Context) (count int, avgSeconds float64, successRatio float64, err error) {
	var row struct {
		Count   int     `db:"count"`
		AvgSecs float64 `db:"avg_secs"`
	}
	err = s.db.GetContext(ctx, &row, `
		SELECT count(*) AS count,
		       COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - detected_at))), 0) AS avg_secs
		FROM incidents
		WHERE resolved_at IS NOT NULL AND resolved_at > now() - interval '24 hours'
	`)
	if err != nil {
		return 0, 0, 0, err
	}
	return row.Count, row.AvgSecs, 0, nil
}
