package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresBackend persists snapshot blobs through sqlx, keyed the same way
// as MemoryBackend, for deployments with DATABASE_URL set (§6). Grounded on
// internal/app/storage/postgres's Store pattern (a thin wrapper committing
// every operation to context-scoped SQL), adapted here to sqlx's NamedExec
// for the manifest row shape.
type PostgresBackend struct {
	db *sqlx.DB
}

type snapshotRow struct {
	Key  string `db:"key"`
	Data []byte `db:"data"`
}

// NewPostgresBackend wraps an already-open sqlx.DB. Schema is created by the
// golang-migrate migrations shipped in internal/dbmigrate.
func NewPostgresBackend(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO snapshot_blobs (key, data)
		VALUES (:key, :data)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data
	`, snapshotRow{Key: key, Data: data})
	return err
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var row snapshotRow
	err := p.db.GetContext(ctx, &row, `SELECT key, data FROM snapshot_blobs WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.Data, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM snapshot_blobs WHERE key = $1`, key)
	return err
}

func (p *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := p.db.SelectContext(ctx, &keys, `SELECT key FROM snapshot_blobs WHERE key LIKE $1`, strings.ReplaceAll(prefix, "%", "\\%")+"%")
	return keys, err
}

func (p *PostgresBackend) Close(context.Context) error {
	return p.db.Close()
}
