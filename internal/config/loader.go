package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
	"github.com/typeit/sw-cache/internal/policy"
)

const defaultAppPrefix = "typeit"

// DefaultManifest 是前端首屏必须离线可用的资源。
var DefaultManifest = []string{
	"/",
	"/classifier.css",
	"/latex-logo-trimmed.webp",
	"/latex-logo-trimmed-filled-in.webp",
	"/computer-modern.otf",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rules := policy.DefaultRules()

	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", cache.DefaultBackend)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MetricsEnabled", true)
	v.SetDefault("EventsHeartbeat", "25s")

	v.SetDefault("Worker.AppPrefix", defaultAppPrefix)
	v.SetDefault("Worker.Manifest", DefaultManifest)
	v.SetDefault("Worker.CacheRoot", rules.CacheRoot)
	v.SetDefault("Worker.CachePrefixes", rules.Prefixes)
	v.SetDefault("Worker.CacheExtensions", rules.Extensions)
	v.SetDefault("Worker.MessageType", clients.TypeUpdated)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.EventsHeartbeat.DurationValue() == 0 {
		g.EventsHeartbeat = Duration(25 * time.Second)
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = cache.DefaultBackend
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.AppPrefix = strings.TrimSpace(w.AppPrefix)
	if w.AppPrefix == "" {
		w.AppPrefix = defaultAppPrefix
	}
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	w.Upstream = strings.TrimRight(strings.TrimSpace(w.Upstream), "/")
	if w.MessageType == "" {
		w.MessageType = clients.TypeUpdated
	}
	for i := range w.Manifest {
		w.Manifest[i] = strings.TrimSpace(w.Manifest[i])
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
