package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/any-hub/pwa-cache/internal/fetch"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
  name       TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
  bucket    TEXT NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
  key       TEXT NOT NULL,
  variant   TEXT NOT NULL,
  url       TEXT NOT NULL,
  meta      TEXT NOT NULL,
  body      BLOB NOT NULL,
  size      INTEGER NOT NULL,
  stored_at INTEGER NOT NULL,
  PRIMARY KEY (bucket, key, variant)
);
`

// SQLiteStorage 把全部缓存桶保存在单个 SQLite 文件中，删除桶时级联删除条目。
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// NewSQLiteStorage 打开（必要时创建）数据库文件并初始化表结构。
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写连接，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(s.now()))
	if err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Lookup(ctx context.Context, name string) (Bucket, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteBucket struct {
	storage *SQLiteStorage
	name    string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	identity, err := requestIdentity(req)
	if err != nil {
		return nil, ErrNotFound
	}

	rows, err := b.storage.db.QueryContext(ctx,
		`SELECT meta, body FROM entries WHERE bucket = ? AND key = ? ORDER BY stored_at`,
		b.name, entryKey(identity))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			meta string
			body []byte
		)
		if err := rows.Scan(&meta, &body); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal([]byte(meta), &rec); err != nil {
			return nil, fmt.Errorf("decode cache record: %w", err)
		}
		if rec.matches(req) {
			return rec.response(body), nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// Put 在事务内写入新变体，并删除同一 URL 下与本次请求在 Vary 上匹配的旧变体。
func (b *sqliteBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	identity, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	rec := newRecord(req, resp, b.storage.now())
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	key, variant := entryKey(identity), variantKey(rec.Vary)

	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, b.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBucketDeleted
	}
	if err != nil {
		return err
	}

	replaced, err := matchingVariants(ctx, tx, b.name, key, req)
	if err != nil {
		return err
	}
	for _, old := range replaced {
		if old == variant {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE bucket = ? AND key = ? AND variant = ?`, b.name, key, old); err != nil {
			return fmt.Errorf("replace cache entry: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (bucket, key, variant, url, meta, body, size, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key, variant) DO UPDATE SET
		   url = excluded.url,
		   meta = excluded.meta,
		   body = excluded.body,
		   size = excluded.size,
		   stored_at = excluded.stored_at`,
		b.name, key, variant, rec.URL, string(meta), body, rec.SizeBytes, toMillis(rec.StoredAt))
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return tx.Commit()
}

// Delete 删除与请求在 Vary 上匹配的全部变体。
func (b *sqliteBucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	identity, err := requestIdentity(req)
	if err != nil {
		return false, nil
	}
	key := entryKey(identity)

	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	variants, err := matchingVariants(ctx, tx, b.name, key, req)
	if err != nil {
		return false, err
	}
	for _, variant := range variants {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE bucket = ? AND key = ? AND variant = ?`, b.name, key, variant); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return len(variants) > 0, nil
}

// matchingVariants 返回 key 下 Vary 取值与 req 一致的变体键。
func matchingVariants(ctx context.Context, tx *sql.Tx, bucket, key string, req *fetch.Request) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT variant, meta FROM entries WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []string
	for rows.Next() {
		var variant, meta string
		if err := rows.Scan(&variant, &meta); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal([]byte(meta), &rec); err != nil {
			continue
		}
		if rec.matches(req) {
			variants = append(variants, variant)
		}
	}
	return variants, rows.Err()
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Entry, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		`SELECT meta FROM entries WHERE bucket = ? ORDER BY stored_at, url`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var meta string
		if err := rows.Scan(&meta); err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal([]byte(meta), &rec); err != nil {
			continue
		}
		entries = append(entries, rec.entry())
	}
	return entries, rows.Err()
}
