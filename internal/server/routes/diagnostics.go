package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
	"github.com/typeit/sw-cache/internal/lifecycle"
	"github.com/typeit/sw-cache/internal/policy"
)

// Diagnostics 汇总诊断接口需要读取的运行时组件。
type Diagnostics struct {
	Registration *lifecycle.Registration
	Store        cache.Store
	Hub          *clients.Hub
	// Policy 只在尚未部署任何版本时用于展示规则。
	Policy  policy.Policy
	Backend string
}

// RegisterDiagnostics 暴露 /-/status、/-/buckets、/-/clients，供运维确认当前版本与缓存内容。
func RegisterDiagnostics(app *fiber.App, d Diagnostics) {
	if app == nil || d.Registration == nil || d.Store == nil || d.Hub == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		buckets, err := d.Store.ListBuckets(c.Context())
		if err != nil {
			return storageUnavailable(c)
		}
		return c.JSON(buildStatus(d, buckets))
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		buckets, err := d.Store.ListBuckets(c.Context())
		if err != nil {
			return storageUnavailable(c)
		}
		current := ""
		if active := d.Registration.Active(); active != nil {
			current = active.CacheName()
		}
		return c.JSON(fiber.Map{
			"current": current,
			"buckets": buckets,
		})
	})

	app.Get("/-/buckets/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		if err := cache.ValidateBucketName(name); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_bucket"})
		}
		buckets, err := d.Store.ListBuckets(c.Context())
		if err != nil {
			return storageUnavailable(c)
		}
		idx := sort.SearchStrings(buckets, name)
		if idx == len(buckets) || buckets[idx] != name {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bucket_not_found"})
		}
		bucket, err := d.Store.Open(c.Context(), name)
		if err != nil {
			return storageUnavailable(c)
		}
		keys, err := bucket.Keys(c.Context())
		if err != nil {
			return storageUnavailable(c)
		}
		return c.JSON(fiber.Map{
			"name": name,
			"keys": keys,
		})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"clients": d.Hub.Clients()})
	})
}

type statusPayload struct {
	Version   string       `json:"version"`
	CacheName string       `json:"cache_name"`
	State     string       `json:"state"`
	Waiting   string       `json:"waiting,omitempty"`
	Manifest  []string     `json:"manifest"`
	Backend   string       `json:"backend,omitempty"`
	Clients   int          `json:"clients"`
	Buckets   []string     `json:"buckets"`
	Rules     policy.Rules `json:"rules"`
}

func buildStatus(d Diagnostics, buckets []string) statusPayload {
	payload := statusPayload{
		State:   "none",
		Backend: d.Backend,
		Clients: d.Hub.Len(),
		Buckets: buckets,
		Rules:   d.Policy.Rules(),
	}
	if active := d.Registration.Active(); active != nil {
		payload.Version = active.Version()
		payload.CacheName = active.CacheName()
		payload.State = active.State().String()
		payload.Manifest = active.Manifest()
		payload.Rules = active.Rules()
	}
	if waiting := d.Registration.Waiting(); waiting != nil {
		payload.Waiting = waiting.Version()
	}
	return payload
}

func storageUnavailable(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
}
