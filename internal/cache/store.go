package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store 管理多个具名缓存桶（bucket），每个桶对应一个 CacheVersion。
// 所有实现都必须持久化到进程之外，直到桶被显式删除。
type Store interface {
	// Open 打开指定名称的桶，不存在时创建；重复调用是幂等的。
	Open(ctx context.Context, name string) (Bucket, error)

	// ListBuckets 返回当前存在的全部桶名，按字典序排列。
	ListBuckets(ctx context.Context) ([]string, error)

	// Delete 删除整个桶及其中的条目，桶不存在时返回 nil。
	Delete(ctx context.Context, name string) error

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Bucket 是已打开桶的句柄，提供按请求键读写条目的能力。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的条目；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入条目并覆盖同 key 的旧值，并发写入同一 key 时以最后一次为准。
	// 桶已被 Delete 时返回 ErrBucketDeleted，而不是把桶重新建出来。
	Put(ctx context.Context, key string, entry Entry) error

	// Keys 枚举桶内全部请求键，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 表示一次被缓存的响应。
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回可以安全跨 goroutine 传递的副本。
func (e Entry) Clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrBucketDeleted 表示桶已被删除；Put 不会重新创建它，需要重新 Open。
var ErrBucketDeleted = errors.New("cache bucket deleted")

// ErrInvalidBucket 表示桶名不合法。
var ErrInvalidBucket = errors.New("invalid bucket name")

// StorageError 包装存储层失败（配额、损坏、I/O），调用方据此回退到纯网络路径。
type StorageError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s %s[%s]: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("cache %s %s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Bucket: bucket, Key: key, Err: err}
}

// ValidateBucketName 拒绝空名、路径分隔符以及以点开头的名称（避免与临时文件冲突）。
func ValidateBucketName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidBucket)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidBucket, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidBucket, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidBucket, name)
	}
	return nil
}
