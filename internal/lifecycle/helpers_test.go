package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/policy"
)

// stubNetwork 模拟源站：按路径返回固定内容，可切换离线或挂起。
type stubNetwork struct {
	mu      sync.Mutex
	assets  map[string]string
	status  map[string]int
	offline bool
	hang    chan struct{}
	calls   map[string]int
}

func newStubNetwork(assets map[string]string) *stubNetwork {
	return &stubNetwork{
		assets: assets,
		status: make(map[string]int),
		calls:  make(map[string]int),
	}
}

func (n *stubNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	path := req.URL.Path
	n.mu.Lock()
	n.calls[path]++
	offline := n.offline
	hang := n.hang
	body, ok := n.assets[path]
	status, overridden := n.status[path]
	n.mu.Unlock()

	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	if !overridden {
		status = http.StatusOK
	}
	header := http.Header{}
	header.Set("Content-Type", contentType(path))
	return &Response{Status: status, Header: header, Body: []byte(body)}, nil
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *stubNetwork) setAsset(path, body string) {
	n.mu.Lock()
	n.assets[path] = body
	n.mu.Unlock()
}

func (n *stubNetwork) setHang(ch chan struct{}) {
	n.mu.Lock()
	n.hang = ch
	n.mu.Unlock()
}

func (n *stubNetwork) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".css"):
		return "text/css"
	case strings.HasSuffix(path, ".js"):
		return "text/javascript"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "text/html"
	}
}

// faultyStore 包装真实 Store，按需注入读写失败。
type faultyStore struct {
	cache.Store

	mu       sync.Mutex
	matchErr error
	putErr   error
	putAfter int
	puts     int
}

func (s *faultyStore) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyBucket{Bucket: bucket, store: s}, nil
}

type faultyBucket struct {
	cache.Bucket
	store *faultyStore
}

func (b *faultyBucket) Match(ctx context.Context, key string) (*cache.Entry, error) {
	b.store.mu.Lock()
	err := b.store.matchErr
	b.store.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Bucket.Match(ctx, key)
}

func (b *faultyBucket) Put(ctx context.Context, key string, entry cache.Entry) error {
	b.store.mu.Lock()
	b.store.puts++
	fail := b.store.putErr != nil && b.store.puts > b.store.putAfter
	err := b.store.putErr
	b.store.mu.Unlock()
	if fail {
		return err
	}
	return b.Bucket.Put(ctx, key, entry)
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.AppPrefix == "" {
		opts.AppPrefix = "typeit"
	}
	opts.Policy = policy.New(policy.DefaultRules())
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Wait)
	return m
}

func mustMatch(t *testing.T, store cache.Store, bucket, key string) *cache.Entry {
	t.Helper()
	b, err := store.Open(context.Background(), bucket)
	if err != nil {
		t.Fatalf("open bucket %s: %v", bucket, err)
	}
	entry, err := b.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match %s in %s: %v", key, bucket, err)
	}
	return entry
}

func assertMissing(t *testing.T, store cache.Store, bucket, key string) {
	t.Helper()
	b, err := store.Open(context.Background(), bucket)
	if err != nil {
		t.Fatalf("open bucket %s: %v", bucket, err)
	}
	if _, err := b.Match(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected %s to be absent from %s, got %v", key, bucket, err)
	}
}

// gatedStore 让指定 key 的 Put 停在 gate 上，用来模拟迟到的后台写入。
type gatedStore struct {
	cache.Store
	key     string
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore(store cache.Store, key string) *gatedStore {
	return &gatedStore{
		Store:   store,
		key:     key,
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
}

func (s *gatedStore) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &gatedBucket{Bucket: bucket, store: s}, nil
}

type gatedBucket struct {
	cache.Bucket
	store *gatedStore
}

func (b *gatedBucket) Put(ctx context.Context, key string, entry cache.Entry) error {
	if key == b.store.key {
		select {
		case b.store.entered <- struct{}{}:
		default:
		}
		<-b.store.gate
	}
	return b.Bucket.Put(ctx, key, entry)
}
