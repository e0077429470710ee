package midterm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier"
)

// SQLiteAdapter keeps one table per location, named by ResolveLocation.
// Rows carry the physical expiry in purge_at; expired rows are invisible and
// removed on the next scan.
type SQLiteAdapter struct {
	db        *sql.DB
	cfg       memory.StorageConfig
	opts      options
	locations map[memory.ItemType]string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, cfg memory.StorageConfig, opts ...Option) (*SQLiteAdapter, error) {
	if path == "" {
		return nil, &memory.ConfigurationError{Field: "tiers.mid_term.sqlite.path", Reason: "must not be empty"}
	}
	locations, err := cfg.Locations(memory.TierMid)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	s := &SQLiteAdapter{db: db, cfg: cfg, opts: buildOptions(opts), locations: locations}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteAdapter) migrate() error {
	for _, typ := range memory.ItemTypes() {
		table := s.locations[typ]
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]q (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			purge_at   INTEGER,
			data       BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]q ON %[1]q(owner_id);
		CREATE INDEX IF NOT EXISTS %[3]q ON %[1]q(purge_at);
		`, table, table+"_owner", table+"_purge")
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) Tier() memory.Tier {
	return memory.TierMid
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// find looks id up in every location of the tier.
func (s *SQLiteAdapter) find(ctx context.Context, q querier, id string, now time.Time) (*memory.Item, error) {
	for _, typ := range memory.ItemTypes() {
		var data []byte
		err := q.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT data FROM %q WHERE id = ? AND (purge_at IS NULL OR purge_at > ?)`, s.locations[typ]),
			id, now.UnixNano(),
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return memory.Decode(data)
	}
	return nil, memory.ErrNotFound
}

func (s *SQLiteAdapter) write(ctx context.Context, q querier, it *memory.Item, now time.Time) error {
	data, err := memory.Encode(it)
	if err != nil {
		return err
	}
	var purgeAt any
	if ttl := tier.PhysicalTTL(it, now, s.opts.grace); ttl > 0 {
		purgeAt = now.Add(ttl).UnixNano()
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, owner_id, session_id, created_at, purge_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			session_id = excluded.session_id,
			created_at = excluded.created_at,
			purge_at = excluded.purge_at,
			data = excluded.data`, s.locations[it.Type]),
		it.ID, it.OwnerID, it.SessionID, it.CreatedAt.UnixNano(), purgeAt, data,
	)
	return err
}

func (s *SQLiteAdapter) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteAdapter) Store(ctx context.Context, item *memory.Item) (string, error) {
	now := s.opts.clock()
	var id string

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.find(ctx, tx, item.ID, now)
		if err != nil && !memory.IsNotFound(err) {
			return err
		}
		it, err := tier.Prepare(existing, item, memory.TierMid, now, s.opts.retention)
		if err != nil {
			return err
		}
		if existing != nil && existing.Type != it.Type {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, s.locations[existing.Type]), it.ID); err != nil {
				return err
			}
		}
		id = it.ID
		return s.write(ctx, tx, it, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteAdapter) Retrieve(ctx context.Context, id string) (*memory.Item, error) {
	now := s.opts.clock()
	var out *memory.Item

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := s.find(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if it.Expired(now) {
			return memory.ErrNotFound
		}
		it.Touch(now)
		out = it
		return s.write(ctx, tx, it, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteAdapter) Peek(ctx context.Context, id string) (*memory.Item, error) {
	return s.find(ctx, s.db, id, s.opts.clock())
}

// load reads the rows of every location matching where.
func (s *SQLiteAdapter) load(ctx context.Context, where string, args ...any) ([]*memory.Item, error) {
	var items []*memory.Item
	for _, typ := range memory.ItemTypes() {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT data FROM %q WHERE %s ORDER BY id`, s.locations[typ], where), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return nil, err
			}
			it, err := memory.Decode(data)
			if err != nil {
				rows.Close()
				return nil, err
			}
			items = append(items, it)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *SQLiteAdapter) purge(ctx context.Context, now time.Time) error {
	for _, typ := range memory.ItemTypes() {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %q WHERE purge_at IS NOT NULL AND purge_at <= ?`, s.locations[typ]), now.UnixNano())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) Scan(ctx context.Context, fn func(*memory.Item) error) error {
	now := s.opts.clock()
	if err := s.purge(ctx, now); err != nil {
		return err
	}
	items, err := s.load(ctx, `purge_at IS NULL OR purge_at > ?`, now.UnixNano())
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteAdapter) Query(ctx context.Context, q memory.Query) ([]memory.Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if tier.EmbeddingOnly(q) {
		return nil, nil
	}

	now := s.opts.clock()
	where := `(purge_at IS NULL OR purge_at > ?)`
	args := []any{now.UnixNano()}
	if q.OwnerID != "" {
		where += ` AND owner_id = ?`
		args = append(args, q.OwnerID)
	}
	if q.SessionID != "" {
		where += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, q.Until.UnixNano())
	}

	items, err := s.load(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	return rank(q, items, now), nil
}

func (s *SQLiteAdapter) deleteWhere(ctx context.Context, where string, arg any) (int, error) {
	total := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		total = 0
		for _, typ := range memory.ItemTypes() {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %s`, s.locations[typ], where), arg)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	return total, err
}

func (s *SQLiteAdapter) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.deleteWhere(ctx, `id = ?`, id)
	return n > 0, err
}

func (s *SQLiteAdapter) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	return s.deleteWhere(ctx, `owner_id = ?`, ownerID)
}

func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

var _ memory.TierAdapter = (*SQLiteAdapter)(nil)
