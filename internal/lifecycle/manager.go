// Package lifecycle implements the versioned worker lifecycle: install
// pre-populates the manifest into a fresh bucket, activate evicts every other
// generation and notifies connected pages, and Fetch serves intercepted
// requests stale-while-revalidate.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
	"github.com/typeit/sw-cache/internal/logging"
	"github.com/typeit/sw-cache/internal/metrics"
	"github.com/typeit/sw-cache/internal/policy"
)

// DefaultAppPrefix 是 CacheName 的默认前缀。
const DefaultAppPrefix = "typeit"

var (
	// ErrInstallFailed 表示清单预取或写入失败，本次 install 不会提交任何条目。
	ErrInstallFailed = errors.New("manifest install failed")
	// ErrNetwork 表示缓存未命中且网络请求失败。
	ErrNetwork = errors.New("network fetch failed")
	// ErrInvalidState 表示在错误的生命周期状态下调用了迁移。
	ErrInvalidState = errors.New("invalid lifecycle state")
)

// CacheName 由前缀与版本拼出桶名：<prefix>-<version>。
func CacheName(prefix, version string) string {
	if prefix == "" {
		prefix = DefaultAppPrefix
	}
	return prefix + "-" + version
}

// Request 是被拦截请求的最小描述。Body 只在非 GET 透传时使用。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response 是交给请求方的应答，Source 标记来自缓存还是网络。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source string
}

// Network 执行真实的网络请求，超时由实现方的传输层负责。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Notifier 向所有已连接页面广播消息。
type Notifier interface {
	Broadcast(msg clients.Message) int
}

// Claimer 在激活时接管请求路由，使该 Manager 成为唯一服务者。
type Claimer interface {
	Claim(m *Manager)
}

// Options 描述一个版本的 Manager，所有依赖显式传入。
type Options struct {
	AppPrefix   string
	Version     string
	Manifest    []string
	Store       cache.Store
	Policy      policy.Policy
	Network     Network
	Clients     Notifier
	Claimer     Claimer
	MessageType string
	Logger      *logrus.Logger
	Metrics     *metrics.Collector
}

// Manager 负责单个 CacheVersion 的 install/activate/fetch。
type Manager struct {
	version     string
	cacheName   string
	manifest    []string
	store       cache.Store
	policy      policy.Policy
	network     Network
	notifier    Notifier
	claimer     Claimer
	messageType string
	logger      *logrus.Logger
	metrics     *metrics.Collector
	now         func() time.Time

	state atomic.Int32

	bucketMu sync.Mutex
	bucket   cache.Bucket

	wg sync.WaitGroup
}

// New 校验参数并构造处于 parsed 状态的 Manager。
func New(opts Options) (*Manager, error) {
	if opts.Version == "" {
		return nil, errors.New("lifecycle: version is required")
	}
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if opts.Network == nil {
		return nil, errors.New("lifecycle: network is required")
	}
	name := CacheName(opts.AppPrefix, opts.Version)
	if err := cache.ValidateBucketName(name); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	messageType := opts.MessageType
	if messageType == "" {
		messageType = clients.TypeUpdated
	}

	return &Manager{
		version:     opts.Version,
		cacheName:   name,
		manifest:    append([]string(nil), opts.Manifest...),
		store:       opts.Store,
		policy:      opts.Policy,
		network:     opts.Network,
		notifier:    opts.Clients,
		claimer:     opts.Claimer,
		messageType: messageType,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         time.Now,
	}, nil
}

// Version 返回该 Manager 负责的 CacheVersion。
func (m *Manager) Version() string { return m.version }

// CacheName 返回该版本使用的桶名。
func (m *Manager) CacheName() string { return m.cacheName }

// Rules 返回该版本运行时使用的缓存规则。
func (m *Manager) Rules() policy.Rules { return m.policy.Rules() }

// Manifest 返回清单副本。
func (m *Manager) Manifest() []string {
	return append([]string(nil), m.manifest...)
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) transition(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

// Install 并发预取整个清单，全部成功后才写入当前桶。
// 任一条目失败都会让 Manager 变为 redundant，并返回 ErrInstallFailed。
func (m *Manager) Install(ctx context.Context) error {
	if !m.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("%w: install from %s", ErrInvalidState, m.State())
	}
	m.logTransition("install_start", logrus.InfoLevel, nil)

	err := m.install(ctx)
	m.metrics.ObserveTransition("install", err)
	if err != nil {
		m.state.Store(int32(StateRedundant))
		m.logTransition("install_failed", logrus.ErrorLevel, err)
		return err
	}

	m.state.Store(int32(StateInstalled))
	m.logTransition("install_complete", logrus.InfoLevel, nil)
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	entries := make([]cache.Entry, len(m.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range m.manifest {
		g.Go(func() error {
			entry, err := m.prefetch(gctx, raw)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	existed, err := m.bucketExists(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	bucket, err := m.store.Open(ctx, m.cacheName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	for _, entry := range entries {
		if err := bucket.Put(ctx, entry.Key, entry); err != nil {
			m.metrics.ObserveStorageError("put")
			if !existed {
				if delErr := m.store.Delete(context.WithoutCancel(ctx), m.cacheName); delErr != nil {
					m.logger.WithFields(logging.LifecycleFields("install_rollback_failed", m.version, m.cacheName, m.State().String())).
						WithError(delErr).Warn("rollback of partial bucket failed")
				}
			}
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
	}

	m.bucketMu.Lock()
	m.bucket = bucket
	m.bucketMu.Unlock()
	return nil
}

func (m *Manager) prefetch(ctx context.Context, raw string) (cache.Entry, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: %w", ErrInstallFailed, raw, err)
	}
	resp, err := m.network.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: %w", ErrInstallFailed, raw, err)
	}
	if resp.Status != http.StatusOK {
		return cache.Entry{}, fmt.Errorf("%w: %s: status %d", ErrInstallFailed, raw, resp.Status)
	}
	key := cache.RequestKey(u)
	return cache.Entry{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		StoredAt: m.now().UTC(),
	}, nil
}

func (m *Manager) bucketExists(ctx context.Context) (bool, error) {
	names, err := m.store.ListBuckets(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == m.cacheName {
			return true, nil
		}
	}
	return false, nil
}

// Activate 接管请求、清理其它版本的桶，并向所有页面广播一次更新消息。
func (m *Manager) Activate(ctx context.Context) error {
	if !m.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, m.State())
	}

	// 先接管，旧 Manager 变为 redundant 后不再回写它的桶。
	if m.claimer != nil {
		m.claimer.Claim(m)
	}

	removed, err := m.evictStale(ctx)
	m.metrics.ObserveTransition("activate", err)
	if err != nil {
		m.logTransition("cleanup_failed", logrus.WarnLevel, err)
	}

	m.state.Store(int32(StateActivated))

	delivered := 0
	if m.notifier != nil {
		delivered = m.notifier.Broadcast(clients.Message{Type: m.messageType, Version: m.version})
	}
	m.logger.WithFields(logging.LifecycleFields("activate_complete", m.version, m.cacheName, m.State().String())).
		WithFields(logrus.Fields{"removed": removed, "notified": delivered}).
		Info("cache version activated")
	return nil
}

// evictStale 删除除当前桶以外的所有桶；单个删除失败不会中断其余删除。
func (m *Manager) evictStale(ctx context.Context) ([]string, error) {
	names, err := m.store.ListBuckets(ctx)
	if err != nil {
		m.metrics.ObserveStorageError("list")
		return nil, err
	}
	removed := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		if name == m.cacheName {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			m.metrics.ObserveStorageError("delete")
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

// Retire 将 Manager 标记为 redundant，之后的后台刷新不再写入缓存。
func (m *Manager) Retire() {
	if State(m.state.Swap(int32(StateRedundant))) != StateRedundant {
		m.logTransition("retired", logrus.InfoLevel, nil)
	}
}

// Wait 阻塞直到所有后台刷新完成。
func (m *Manager) Wait() {
	m.wg.Wait()
}

type networkResult struct {
	resp *Response
	err  error
}

// Fetch 以 stale-while-revalidate 方式处理一次拦截请求：
// 缓存命中立即返回，不等待网络；网络结果在后台按策略写回缓存。
// 未命中时等待网络，网络失败返回 ErrNetwork。非 GET 请求直接走网络。
func (m *Manager) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("lifecycle: request url is required")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return m.passThrough(ctx, req)
	}

	key := cache.RequestKey(req.URL)
	results := make(chan networkResult, 1)
	m.wg.Add(1)
	go m.revalidate(context.WithoutCancel(ctx), req, key, results)

	if entry := m.match(ctx, key); entry != nil {
		m.metrics.ObserveResponse(metrics.SourceCache)
		return &Response{
			Status: entry.Status,
			Header: entry.Header.Clone(),
			Body:   entry.Body,
			Source: metrics.SourceCache,
		}, nil
	}

	select {
	case result := <-results:
		if result.err != nil {
			m.metrics.ObserveResponse(metrics.SourceError)
			return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, key, result.err)
		}
		m.metrics.ObserveResponse(metrics.SourceNetwork)
		return result.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) passThrough(ctx context.Context, req *Request) (*Response, error) {
	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		m.metrics.ObserveResponse(metrics.SourceError)
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL.Path, err)
	}
	resp.Source = metrics.SourceNetwork
	m.metrics.ObserveResponse(metrics.SourceNetwork)
	return resp, nil
}

// match 读取缓存；存储层错误按未命中处理。
func (m *Manager) match(ctx context.Context, key string) *cache.Entry {
	bucket, err := m.openBucket(ctx)
	if err == nil {
		var entry *cache.Entry
		entry, err = bucket.Match(ctx, key)
		if err == nil {
			return entry
		}
	}
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrBucketDeleted) || errors.Is(err, context.Canceled) {
		return nil
	}
	m.metrics.ObserveStorageError("match")
	m.logger.WithFields(logging.RequestFields(m.version, m.cacheName, key, metrics.SourceNetwork)).
		WithField("action", "cache_match_failed").
		WithError(err).Warn("cache read failed, falling back to network")
	return nil
}

func (m *Manager) revalidate(ctx context.Context, req *Request, key string, results chan<- networkResult) {
	defer m.wg.Done()

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		results <- networkResult{err: err}
		m.metrics.ObserveRevalidation(metrics.RevalidateFailed)
		m.logger.WithFields(logging.RequestFields(m.version, m.cacheName, key, metrics.SourceNetwork)).
			WithField("action", "revalidate_failed").
			WithError(err).Debug("network fetch failed")
		return
	}
	resp.Source = metrics.SourceNetwork

	var entry cache.Entry
	cacheable := resp.Status == http.StatusOK && m.policy.IsCacheable(req.URL, resp.Status)
	if cacheable {
		entry = cache.Entry{
			Key:      key,
			Status:   resp.Status,
			Header:   resp.Header.Clone(),
			Body:     resp.Body,
			StoredAt: m.now().UTC(),
		}
	}
	results <- networkResult{resp: resp}

	if !cacheable || m.State() == StateRedundant {
		m.metrics.ObserveRevalidation(metrics.RevalidateSkipped)
		return
	}
	bucket, err := m.openBucket(ctx)
	if err == nil {
		err = bucket.Put(ctx, key, entry)
	}
	if errors.Is(err, cache.ErrBucketDeleted) {
		// 版本已被替换，桶在写入前被清理。
		m.metrics.ObserveRevalidation(metrics.RevalidateSkipped)
		return
	}
	if err != nil {
		m.metrics.ObserveStorageError("put")
		m.metrics.ObserveRevalidation(metrics.RevalidateFailed)
		m.logger.WithFields(logging.RequestFields(m.version, m.cacheName, key, metrics.SourceNetwork)).
			WithField("action", "cache_put_failed").
			WithError(err).Warn("cache write failed")
		return
	}
	m.metrics.ObserveRevalidation(metrics.RevalidateStored)
}

// openBucket 返回当前桶句柄，首次访问时打开。
func (m *Manager) openBucket(ctx context.Context) (cache.Bucket, error) {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()
	if m.bucket != nil {
		return m.bucket, nil
	}
	if m.State() == StateRedundant {
		// 被替换的版本不能把已删除的桶重新建出来。
		return nil, cache.ErrBucketDeleted
	}
	bucket, err := m.store.Open(ctx, m.cacheName)
	if err != nil {
		return nil, err
	}
	m.bucket = bucket
	return bucket, nil
}

func (m *Manager) logTransition(action string, level logrus.Level, err error) {
	entry := m.logger.WithFields(logging.LifecycleFields(action, m.version, m.cacheName, m.State().String()))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(level, "lifecycle transition")
}
