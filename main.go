package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/typeit/sw-cache/internal/cache"
	"github.com/typeit/sw-cache/internal/clients"
	"github.com/typeit/sw-cache/internal/config"
	"github.com/typeit/sw-cache/internal/logging"
	"github.com/typeit/sw-cache/internal/metrics"
	"github.com/typeit/sw-cache/internal/policy"
	"github.com/typeit/sw-cache/internal/proxy"
	"github.com/typeit/sw-cache/internal/server"
	"github.com/typeit/sw-cache/internal/server/routes"
	"github.com/typeit/sw-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Worker.CacheVersion
		fields["manifest"] = len(cfg.Worker.Manifest)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 存储 → 客户端 Hub → 初始版本部署 → Fiber server。
	svc, err := buildService(opts.configPath, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["build"] = version.Full()
	if err := svc.deploy(ctx, cfg.Worker); err != nil {
		// 首次部署失败时仍然启动，请求直接走网络，等待下一次配置更新。
		fields["error"] = err.Error()
		logger.WithFields(fields).Error("初始版本部署失败")
	} else {
		fields["version"] = cfg.Worker.CacheVersion
		logger.WithFields(fields).Info("配置加载完成")
	}

	if err := config.Watch(opts.configPath, svc.onConfigChange); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).Warn("配置热更新不可用")
	}

	if err := startHTTPServer(ctx, cfg, svc); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func buildService(configPath string, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	store, err := cache.Open(cache.Options{
		Backend: cfg.Global.StoreBackend,
		Path:    cfg.Global.StoragePath,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	hub := clients.NewHub()
	var collector *metrics.Collector
	if cfg.Global.MetricsEnabled {
		collector = metrics.New()
		collector.RegisterClientGauge(hub.Len)
	}
	client := server.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
	return newService(configPath, logger, store, hub, collector, client), nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sw-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SW_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SW_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// newApp 组装拦截 handler 与诊断路由。
func newApp(cfg *config.Config, svc *service) (*fiber.App, error) {
	handler := proxy.NewHandler(svc.registration, svc, svc.logger, svc.metrics)
	app, err := server.NewApp(server.AppOptions{
		Logger:     svc.logger,
		Proxy:      proxy.NewForwarder(handler, svc.logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Registration: svc.registration,
		Store:        svc.store,
		Hub:          svc.hub,
		Policy:       policy.New(cfg.Worker.PolicyRules()),
		Backend:      cfg.Global.StoreBackend,
	})
	routes.RegisterEvents(app, svc.hub, svc.logger, cfg.Global.EventsHeartbeat.DurationValue())
	routes.RegisterMetrics(app, svc.metrics)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc *service) error {
	app, err := newApp(cfg, svc)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-listenErr:
		_ = svc.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	if err := stopHTTPServer(app, svc, shutdownTimeout); err != nil {
		svc.logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("服务未能在超时内完全停止")
		return nil
	}
	svc.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("服务已停止")
	return nil
}

// stopHTTPServer 先断开事件流客户端（SSE 连接结束后 fiber 才能完成关闭），
// 随后停止监听、等待后台刷新并关闭存储。
func stopHTTPServer(app *fiber.App, svc *service, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	svc.hub.Close()
	return errors.Join(app.ShutdownWithContext(ctx), svc.shutdown(ctx))
}
