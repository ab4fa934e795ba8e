package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

func init() {
	MustRegisterBackend("badger", func(opts Options) (Store, error) {
		return NewBadgerStore(opts.Path, opts.Logger)
	})
}

// Key layout:
//
//	bucket/<name>         -> creation time (unix nano, decimal)
//	entry/<name>/<key>    -> JSON meta line + '\n' + body
const (
	bucketKeyPrefix = "bucket/"
	entryKeyPrefix  = "entry/"
)

type badgerStore struct {
	db *badgerdb.DB
}

type badgerBucket struct {
	db   *badgerdb.DB
	name string
}

// NewBadgerStore 打开 dir 下的 badger 数据库；dir 为空时使用内存模式（仅用于测试）。
func NewBadgerStore(dir string, logger *logrus.Logger) (Store, error) {
	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func keyBucket(name string) []byte {
	return []byte(bucketKeyPrefix + name)
}

func keyEntryPrefix(bucket string) []byte {
	return []byte(entryKeyPrefix + bucket + "/")
}

func keyEntry(bucket, key string) []byte {
	return append(keyEntryPrefix(bucket), key...)
}

func (s *badgerStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return ensureBucket(txn, name)
	})
	if err != nil {
		return nil, storageError("open", name, "", err)
	}
	return &badgerBucket{db: s.db, name: name}, nil
}

func ensureBucket(txn *badgerdb.Txn, name string) error {
	_, err := txn.Get(keyBucket(name))
	if err == nil {
		return nil
	}
	if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return err
	}
	created := fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	return txn.Set(keyBucket(name), []byte(created))
}

func (s *badgerStore) ListBuckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(bucketKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), bucketKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, storageError("list", "", "", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *badgerStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	prefix := keyEntryPrefix(name)
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return storageError("delete", name, "", err)
	}

	// WriteBatch 自动拆分超出单事务上限的删除。
	wb := s.db.NewWriteBatch()
	for _, key := range append(keys, keyBucket(name)) {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return storageError("delete", name, "", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return storageError("delete", name, "", err)
	}
	return nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (b *badgerBucket) Name() string {
	return b.name
}

func (b *badgerBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *Entry
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(b.name, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeEntry(val)
			if err != nil {
				return err
			}
			entry = decoded
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("match", b.name, key, err)
	}
	return entry, nil
}

func (b *badgerBucket) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Key = key
	value, err := encodeEntry(entry)
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	// 读取 bucket 标记键，与并发的 Delete 冲突时重试；标记键不存在说明桶已删除。
	for attempt := 0; attempt < 3; attempt++ {
		err = b.db.Update(func(txn *badgerdb.Txn) error {
			if _, err := txn.Get(keyBucket(b.name)); err != nil {
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					return ErrBucketDeleted
				}
				return err
			}
			return txn.Set(keyEntry(b.name, key), value)
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
	}
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	return nil
}

func (b *badgerBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyEntryPrefix(b.name)
	var keys []string
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(bytes.TrimPrefix(it.Item().Key(), prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, storageError("keys", b.name, "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeEntry(entry Entry) ([]byte, error) {
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(meta)+1+len(entry.Body))
	out = append(out, meta...)
	out = append(out, '\n')
	out = append(out, entry.Body...)
	return out, nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return nil, errors.New("corrupt cache entry: missing meta line")
	}
	var entry Entry
	if err := json.Unmarshal(raw[:idx], &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	entry.Body = append([]byte(nil), raw[idx+1:]...)
	return &entry, nil
}
