package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// Postgres is a KeyValueStore backed by a single relay_kv table. Values
// that are valid JSON are mirrored into a JSONB column so cached flag
// documents stay queryable from SQL.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
        CREATE TABLE IF NOT EXISTS relay_kv (
            k TEXT PRIMARY KEY,
            v TEXT NOT NULL,
            doc JSONB,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) GetString(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT v FROM relay_kv WHERE k = $1`
	var v string
	if err := p.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (p *Postgres) SetString(ctx context.Context, key, val string) error {
	const stmt = `
        INSERT INTO relay_kv (k, v, doc, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (k) DO UPDATE SET
          v = EXCLUDED.v,
          doc = EXCLUDED.doc,
          updated_at = now()`
	var doc pqtype.NullRawMessage
	if json.Valid([]byte(val)) {
		doc = pqtype.NullRawMessage{RawMessage: json.RawMessage(val), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, stmt, key, val, doc)
	return err
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM relay_kv WHERE k = $1`, key)
	return err
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT k FROM relay_kv WHERE k LIKE $1 ESCAPE '\' ORDER BY k`
	rows, err := p.db.QueryContext(ctx, q, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM relay_kv`)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

// likePrefix escapes LIKE wildcards in a key prefix. Cache prefixes carry
// underscores, which LIKE would otherwise treat as single-char wildcards.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
