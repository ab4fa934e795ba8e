package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !cache.HasBackend(g.StoreBackend) {
		return newFieldError("Global.StoreBackend", "仅支持 "+strings.Join(cache.Backends(), "|"))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.EventsHeartbeat.DurationValue() < 0 {
		return newFieldError("Global.EventsHeartbeat", "不能为负数")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if w.CacheVersion == "" {
		return newFieldError(workerField("CacheVersion"), "不能为空")
	}
	if err := cache.ValidateBucketName(w.AppPrefix + "-" + w.CacheVersion); err != nil {
		return newFieldError(workerField("CacheVersion"), err.Error())
	}
	if err := validateUpstream(w.Upstream); err != nil {
		return fmt.Errorf("%s: %w", workerField("Upstream"), err)
	}

	seen := make(map[string]struct{}, len(w.Manifest))
	for i, entry := range w.Manifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(workerField("Manifest", i), "必须是以 / 开头的绝对路径")
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(workerField("Manifest", i), "重复")
		}
		seen[entry] = struct{}{}
	}

	for i, prefix := range w.CachePrefixes {
		if !strings.HasPrefix(strings.TrimSpace(prefix), "/") {
			return newFieldError(workerField("CachePrefixes", i), "必须以 / 开头")
		}
	}
	for i, ext := range w.CacheExtensions {
		if !strings.HasPrefix(strings.TrimSpace(ext), ".") {
			return newFieldError(workerField("CacheExtensions", i), "必须以 . 开头")
		}
	}

	switch w.MessageType {
	case clients.TypeUpdated, clients.TypeUpdate:
	default:
		return newFieldError(workerField("MessageType"), "仅支持 "+clients.TypeUpdated+"/"+clients.TypeUpdate)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
