package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/typeit/sw-cache/internal/lifecycle"
	"github.com/typeit/sw-cache/internal/logging"
	"github.com/typeit/sw-cache/internal/metrics"
	"github.com/typeit/sw-cache/internal/server"
)

// Handler 把每个被拦截的请求交给当前激活的 Manager。
// 尚未部署任何版本时直接走网络，相当于页面没有安装 worker。
type Handler struct {
	registration *lifecycle.Registration
	network      lifecycle.Network
	logger       *logrus.Logger
	metrics      *metrics.Collector
}

// NewHandler constructs the interception handler.
func NewHandler(registration *lifecycle.Registration, network lifecycle.Network, logger *logrus.Logger, collector *metrics.Collector) *Handler {
	return &Handler{
		registration: registration,
		network:      network,
		logger:       logger,
		metrics:      collector,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c)

	// fasthttp 会复用 RequestCtx，后台刷新不能持有它。
	ctx := context.Background()

	var (
		resp    *lifecycle.Response
		err     error
		version string
		bucket  string
	)
	if active := h.registration.Active(); active != nil {
		version = active.Version()
		bucket = active.CacheName()
		resp, err = active.Fetch(ctx, req)
	} else {
		resp, err = h.network.Fetch(ctx, req)
		if err == nil {
			resp.Source = metrics.SourceNetwork
			h.metrics.ObserveResponse(metrics.SourceNetwork)
		} else {
			h.metrics.ObserveResponse(metrics.SourceError)
		}
	}

	key := req.URL.RequestURI()
	if err != nil {
		h.logResult(version, bucket, key, requestID, "", 0, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Cache-Source", resp.Source)
	if version != "" {
		c.Set("X-Cache-Version", version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(version, bucket, key, requestID, resp.Source, resp.Status, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	version string,
	bucket string,
	key string,
	requestID string,
	source string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(version, bucket, key, source)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, lifecycle.ErrNetwork) {
			h.logger.WithFields(fields).Warn("intercept_network_failed")
			return
		}
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// buildRequest 将 fiber 请求转换为 lifecycle.Request，并补充 X-Forwarded-* 头。
func buildRequest(c fiber.Ctx) *lifecycle.Request {
	uri := c.Request().URI()
	reqURL := &url.URL{
		Scheme:   c.Scheme(),
		Host:     c.Hostname(),
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}
	if reqURL.Path == "" {
		reqURL.Path = "/"
	}

	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())

	var body []byte
	if c.Method() != http.MethodGet && c.Method() != http.MethodHead {
		body = append([]byte(nil), c.Body()...)
	}

	method := c.Method()
	if method == http.MethodHead {
		// HEAD 与 GET 共享缓存条目，只是不写响应体。
		method = http.MethodGet
	}
	return &lifecycle.Request{
		Method: method,
		URL:    reqURL,
		Header: header,
		Body:   body,
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
