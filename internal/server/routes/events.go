package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/typeit/sw-cache/internal/clients"
)

// RegisterEvents 暴露 /-/events（Server-Sent Events）。页面连接后即成为一个 Client，
// 激活新版本时收到 {"type":"SW_UPDATED","version":"..."}。
func RegisterEvents(app *fiber.App, hub *clients.Hub, logger *logrus.Logger, heartbeat time.Duration) {
	if app == nil || hub == nil {
		return
	}

	app.Get("/-/events", func(c fiber.Ctx) error {
		pageURL := c.Query("url")
		if pageURL == "" {
			pageURL = c.Get(fiber.HeaderReferer)
		}
		client := hub.Connect(pageURL)

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		return c.SendStreamWriter(func(w *bufio.Writer) {
			err := streamEvents(w, client, heartbeat)
			hub.Disconnect(client.ID())
			if logger != nil {
				entry := logger.WithFields(logrus.Fields{
					"action":    "client_disconnect",
					"client_id": client.ID(),
				})
				if err != nil {
					entry = entry.WithError(err)
				}
				entry.Debug("event stream closed")
			}
		})
	})
}

// streamEvents 持续写出消息与心跳，直到客户端消息通道关闭或写入失败。
func streamEvents(w *bufio.Writer, client *clients.Client, heartbeat time.Duration) error {
	if _, err := fmt.Fprintf(w, "retry: 3000\n: connected %s\n\n", client.ID()); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var ticks <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
		case <-ticks:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
