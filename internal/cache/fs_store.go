package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

func init() {
	MustRegisterBackend("fs", func(opts Options) (Store, error) {
		return NewFileStore(opts.Path)
	})
}

// NewFileStore 以 basePath 为根目录构建磁盘缓存，磁盘布局遵循：
//
//	<StoragePath>/<bucket>/<sha1(key)>.entry   # 首行为 JSON 元数据，其后为正文
//
// 单文件存储保证元数据与正文通过一次 rename 原子替换。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	// bucketsMu 让 Delete 与正在进行的 Put 互斥。
	bucketsMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError("open", name, "", err)
	}
	return &fileBucket{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) ListBuckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, storageError("list", "", "", err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateBucketName(name); err != nil {
		return err
	}
	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return storageError("delete", name, "", err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := b.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, storageError("match", b.name, key, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	entry, err := readEntryFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, storageError("match", b.name, key, err)
	}
	return entry, nil
}

func (b *fileBucket) Put(ctx context.Context, key string, entry Entry) error {
	// 持有读锁期间 Delete 无法执行，桶目录要么存在直到写完，要么已经不存在。
	b.store.bucketsMu.RLock()
	defer b.store.bucketsMu.RUnlock()
	unlock := b.store.lockEntry(b.name, key)
	defer unlock()

	if _, err := os.Stat(b.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrBucketDeleted
		}
		return storageError("put", b.name, key, err)
	}

	entry.Key = key
	meta, err := json.Marshal(entry)
	if err != nil {
		return storageError("put", b.name, key, err)
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return storageError("put", b.name, key, err)
	}
	tempName := tempFile.Name()

	body := io.MultiReader(bytes.NewReader(meta), bytes.NewReader([]byte{'\n'}), bytes.NewReader(entry.Body))
	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return storageError("put", b.name, key, err)
	}

	if err := os.Rename(tempName, b.entryPath(key)); err != nil {
		os.Remove(tempName)
		return storageError("put", b.name, key, err)
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageError("keys", b.name, "", err)
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMeta(filepath.Join(b.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, storageError("keys", b.name, "", err)
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBucket) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEntryFile(filePath string) (*Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	entry, err := decodeMeta(reader)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	entry.Body = body
	return entry, nil
}

func readEntryMeta(filePath string) (*Entry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeMeta(bufio.NewReader(f))
}

func decodeMeta(reader *bufio.Reader) (*Entry, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return &entry, nil
}

func (s *fileStore) lockEntry(bucket, key string) func() {
	lockKey := bucket + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
