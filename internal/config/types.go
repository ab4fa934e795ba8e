package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/typeit/sw-cache/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MetricsEnabled  bool     `mapstructure:"MetricsEnabled"`
	EventsHeartbeat Duration `mapstructure:"EventsHeartbeat"`
}

// WorkerConfig 描述当前部署的缓存版本、清单与可缓存路径规则。
// 修改资源时必须同时提升 CacheVersion，否则页面会一直拿到旧缓存。
type WorkerConfig struct {
	AppPrefix       string   `mapstructure:"AppPrefix"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	Upstream        string   `mapstructure:"Upstream"`
	Manifest        []string `mapstructure:"Manifest"`
	CacheRoot       bool     `mapstructure:"CacheRoot"`
	CachePrefixes   []string `mapstructure:"CachePrefixes"`
	CacheExtensions []string `mapstructure:"CacheExtensions"`
	MessageType     string   `mapstructure:"MessageType"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// PolicyRules 将路径规则转换为 policy.Rules。
func (w WorkerConfig) PolicyRules() policy.Rules {
	return policy.Rules{
		CacheRoot:  w.CacheRoot,
		Prefixes:   append([]string(nil), w.CachePrefixes...),
		Extensions: append([]string(nil), w.CacheExtensions...),
	}
}

// SameDeployment 判断两份 Worker 配置是否描述同一次部署（版本与清单都一致）。
func (w WorkerConfig) SameDeployment(other WorkerConfig) bool {
	if w.CacheVersion != other.CacheVersion || len(w.Manifest) != len(other.Manifest) {
		return false
	}
	for i := range w.Manifest {
		if w.Manifest[i] != other.Manifest[i] {
			return false
		}
	}
	return true
}
