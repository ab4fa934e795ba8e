package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/typeit/sw-cache/internal/metrics"
)

// RegisterMetrics 通过 adaptor 挂载 prometheus handler 到 /-/metrics。
func RegisterMetrics(app *fiber.App, collector *metrics.Collector) {
	if app == nil || collector == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(collector.Handler()))
}
