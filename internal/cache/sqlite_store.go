package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "sw-cache.db"

func init() {
	MustRegisterBackend("sqlite", func(opts Options) (Store, error) {
		return NewSQLiteStore(opts.Path)
	})
}

type sqliteStore struct {
	db *sql.DB
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteStore 在 dir/sw-cache.db 中打开（或创建）缓存数据库。
func NewSQLiteStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, SQLiteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// 单连接避免 SQLITE_BUSY，写入本身已经是单语句 upsert。
	db.SetMaxOpenConns(1)

	statements := []string{
		"PRAGMA busy_timeout = 5000",
		"CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY, created_at INTEGER NOT NULL)",
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, storageError("open", name, "", err)
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStore) ListBuckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY name ASC")
	if err != nil {
		return nil, storageError("list", "", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageError("list", "", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", "", "", err)
	}
	return names, nil
}

func (s *sqliteStore) Delete(ctx context.Context, name string) error {
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("delete", name, "", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", name); err != nil {
		tx.Rollback()
		return storageError("delete", name, "", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name); err != nil {
		tx.Rollback()
		return storageError("delete", name, "", err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("delete", name, "", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM entries WHERE bucket = ? AND key = ?",
		b.name, key).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("match", b.name, key, err)
	}

	entry := &Entry{
		Key:      key,
		Status:   status,
		Body:     body,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}
	if len(header) > 0 {
		var h http.Header
		if err := json.Unmarshal(header, &h); err != nil {
			return nil, storageError("match", b.name, key, fmt.Errorf("corrupt header: %w", err))
		}
		entry.Header = h
	}
	return entry, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key string, entry Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	// 单条语句完成存在性检查与写入，桶被删除后不会被重新建出来。
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (bucket, key, status, header, body, stored_at)
		SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)`,
		b.name, key, entry.Status, header, body, storedAt.UnixNano(), b.name)
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	if affected == 0 {
		return storageError("put", b.name, key, ErrBucketDeleted)
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT key FROM entries WHERE bucket = ? ORDER BY key ASC", b.name)
	if err != nil {
		return nil, storageError("keys", b.name, "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageError("keys", b.name, "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("keys", b.name, "", err)
	}
	return keys, nil
}
