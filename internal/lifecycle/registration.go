package lifecycle

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/typeit/sw-cache/internal/logging"
	"github.com/typeit/sw-cache/internal/metrics"
)

// Registration 持有当前提供服务的 Manager。新版本部署时先 install，
// 成功后立即 activate（跳过等待），并把旧 Manager 置为 redundant。
type Registration struct {
	deployMu sync.Mutex

	mu      sync.RWMutex
	active  *Manager
	waiting *Manager
	retired []*Manager

	logger  *logrus.Logger
	metrics *metrics.Collector
}

// NewRegistration 创建空的 Registration，此时没有任何 Manager 在服务。
func NewRegistration(logger *logrus.Logger, collector *metrics.Collector) *Registration {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Registration{logger: logger, metrics: collector}
}

// Deploy 依次执行 install 与 activate。install 失败时旧 Manager 继续服务。
// 并发调用会被串行化。
func (r *Registration) Deploy(ctx context.Context, m *Manager) error {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()

	if m.claimer == nil {
		m.claimer = r
	}
	if err := m.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.waiting = m
	r.mu.Unlock()

	if err := m.Activate(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.waiting == m {
		r.waiting = nil
	}
	r.mu.Unlock()
	return nil
}

// Claim 让 m 成为服务者。旧 Manager 被 retire，并等待它已经开始的后台写入结束，
// 之后 Activate 再清理旧桶，旧桶不会被迟到的写入重新建出来。
func (r *Registration) Claim(m *Manager) {
	r.mu.Lock()
	prev := r.active
	r.active = m
	if r.waiting == m {
		r.waiting = nil
	}
	if prev != nil && prev != m {
		r.retired = append(r.retired, prev)
	}
	r.mu.Unlock()

	if prev != nil && prev != m {
		prev.Retire()
		prev.Wait()
	}
	r.metrics.SetActiveVersion(m.Version())

	fields := logging.LifecycleFields("claim", m.Version(), m.CacheName(), m.State().String())
	if prev != nil {
		fields["previous_version"] = prev.Version()
	}
	r.logger.WithFields(fields).Info("clients claimed")
}

// Active 返回当前服务的 Manager，尚未部署任何版本时返回 nil。
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已 install 但尚未接管的 Manager。
func (r *Registration) Waiting() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Shutdown 等待当前及已退役 Manager 的后台刷新结束，或 ctx 到期。
func (r *Registration) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	managers := append([]*Manager(nil), r.retired...)
	if r.active != nil {
		managers = append(managers, r.active)
	}
	r.mu.RUnlock()
	if len(managers) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		for _, m := range managers {
			m.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
