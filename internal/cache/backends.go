package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options 描述打开某个存储后端所需的参数。
type Options struct {
	// Backend 为注册时使用的后端键，例如 fs、sqlite、badger。
	Backend string
	// Path 为持久化目录；badger 后端在 Path 为空时使用内存模式。
	Path string
	// Logger 可选，用于后端内部日志。
	Logger *logrus.Logger
}

// Factory 根据 Options 构造一个 Store。
type Factory func(opts Options) (Store, error)

// DefaultBackend 是未配置 StoreBackend 时使用的后端。
const DefaultBackend = "fs"

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// RegisterBackend 将后端工厂加入注册表，重复键会返回错误。
func RegisterBackend(name string, factory Factory) error {
	key := normalizeBackend(name)
	if key == "" {
		return fmt.Errorf("backend name is required")
	}
	if factory == nil {
		return fmt.Errorf("backend %s: factory is required", key)
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[key]; exists {
		return fmt.Errorf("backend %s already registered", key)
	}
	backends[key] = factory
	return nil
}

// MustRegisterBackend 在注册失败时 panic，适合 init() 中调用。
func MustRegisterBackend(name string, factory Factory) {
	if err := RegisterBackend(name, factory); err != nil {
		panic(err)
	}
}

// Backends 返回已注册后端的键值，按字典序排列。
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	keys := make([]string, 0, len(backends))
	for key := range backends {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HasBackend 判断后端是否已注册，供配置校验使用。
func HasBackend(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[normalizeBackend(name)]
	return ok
}

// Open 按 Options.Backend 选择后端并构造 Store。
func Open(opts Options) (Store, error) {
	key := normalizeBackend(opts.Backend)
	if key == "" {
		key = DefaultBackend
	}

	backendsMu.RLock()
	factory, ok := backends[key]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache backend %q (available: %s)", opts.Backend, strings.Join(Backends(), "|"))
	}
	return factory(opts)
}

func normalizeBackend(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
