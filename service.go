package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
	"github.com/typeit/sw-cache/internal/config"
	"github.com/typeit/sw-cache/internal/lifecycle"
	"github.com/typeit/sw-cache/internal/logging"
	"github.com/typeit/sw-cache/internal/metrics"
	"github.com/typeit/sw-cache/internal/policy"
	"github.com/typeit/sw-cache/internal/proxy"
)

// service 持有进程内共享的组件，并负责按配置部署新版本。
// 它本身实现 lifecycle.Network，供没有激活版本时透传使用。
type service struct {
	configPath   string
	logger       *logrus.Logger
	store        cache.Store
	hub          *clients.Hub
	registration *lifecycle.Registration
	metrics      *metrics.Collector
	client       *http.Client

	mu       sync.RWMutex
	worker   config.WorkerConfig
	upstream *proxy.Upstream
}

var errNoUpstream = errors.New("no upstream configured")

func newService(
	configPath string,
	logger *logrus.Logger,
	store cache.Store,
	hub *clients.Hub,
	collector *metrics.Collector,
	client *http.Client,
) *service {
	return &service{
		configPath:   configPath,
		logger:       logger,
		store:        store,
		hub:          hub,
		registration: lifecycle.NewRegistration(logger, collector),
		metrics:      collector,
		client:       client,
	}
}

// Fetch 实现 lifecycle.Network，使用最近一次部署成功的源站。
func (s *service) Fetch(ctx context.Context, req *lifecycle.Request) (*lifecycle.Response, error) {
	s.mu.RLock()
	upstream := s.upstream
	s.mu.RUnlock()
	if upstream == nil {
		return nil, errNoUpstream
	}
	return upstream.Fetch(ctx, req)
}

// deploy 为 worker 配置构建新的 Manager 并执行 install/activate。
// 每个 Manager 绑定自己的源站；install 失败时保留旧版本继续服务。
func (s *service) deploy(ctx context.Context, worker config.WorkerConfig) error {
	upstream, err := proxy.NewUpstream(worker.Upstream, s.client)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.upstream == nil {
		s.upstream = upstream
	}
	s.mu.Unlock()

	m, err := lifecycle.New(lifecycle.Options{
		AppPrefix:   worker.AppPrefix,
		Version:     worker.CacheVersion,
		Manifest:    worker.Manifest,
		Store:       s.store,
		Policy:      policy.New(worker.PolicyRules()),
		Network:     upstream,
		Clients:     s.hub,
		MessageType: worker.MessageType,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return err
	}
	if err := s.registration.Deploy(ctx, m); err != nil {
		return err
	}

	s.mu.Lock()
	s.worker = worker
	s.upstream = upstream
	s.mu.Unlock()
	return nil
}

// currentWorker 返回最近一次部署成功的 worker 配置。
func (s *service) currentWorker() config.WorkerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// onConfigChange 处理配置热更新：只有 CacheVersion 变化（或当前没有激活版本）时
// 才重新部署；仅修改清单而未提升版本会被记录为警告。
func (s *service) onConfigChange(cfg *config.Config, err error) {
	fields := logging.BaseFields("config_reload", s.configPath)
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("配置重新加载失败，继续使用旧配置")
		return
	}

	current := s.currentWorker()
	active := s.registration.Active()
	next := cfg.Worker
	fields["version"] = next.CacheVersion

	if active != nil && active.Version() == next.CacheVersion {
		if !current.SameDeployment(next) {
			s.logger.WithFields(fields).Warn("清单已变化但 CacheVersion 未提升，忽略本次变更")
		}
		return
	}

	if err := s.deploy(context.Background(), next); err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("新版本部署失败，保留当前版本")
		return
	}
	s.logger.WithFields(fields).Info("新版本已激活")
}

// shutdown 等待后台刷新结束并关闭存储。
func (s *service) shutdown(ctx context.Context) error {
	err := s.registration.Shutdown(ctx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}
