package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/precache/internal/cache"
	"github.com/any-hub/precache/internal/config"
	"github.com/any-hub/precache/internal/logging"
	"github.com/any-hub/precache/internal/metrics"
	"github.com/any-hub/precache/internal/proxy"
	"github.com/any-hub/precache/internal/server"
	"github.com/any-hub/precache/internal/server/routes"
	"github.com/any-hub/precache/internal/version"
	"github.com/any-hub/precache/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

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
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		fmt.Fprintln(stdOut, version.Full())
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
		fields["sites"] = len(cfg.Sites)
		fields["versions"] = config.Versions(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 每站点磁盘缓存与 worker 注册 → 后台安装 → Fiber server，
	// 安装完成前请求透传到 Upstream。
	httpClient := server.NewUpstreamClient(cfg)
	recorder := metrics.Recorder{}
	registry, err := server.NewSiteRegistry(cfg, newWorkerFactory(cfg, httpClient, logger, recorder))
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	for _, route := range registry.List() {
		go installSite(ctx, logger, route, cfg.Global)
	}

	if err := config.Watch(opts.configPath, func(next *config.Config, err error) {
		applyReload(ctx, logger, registry, opts.configPath, next, err)
	}); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("watch_config", opts.configPath)).Warn("配置热更新不可用")
	}

	proxyHandler := proxy.NewHandler(httpClient, logger, recorder)
	forwarder := proxy.NewForwarder(proxyHandler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["versions"] = config.Versions(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	app, err := buildApp(cfg, registry, forwarder, proxyHandler, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return 1
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	listenErr := app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
		DisableStartupMessage: true,
	})
	stop()
	drainSites(logger, registry)

	if listenErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", listenErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("precache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PRECACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PRECACHE_CONFIG")
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

// newWorkerFactory 为每个站点创建独立的缓存目录 <StoragePath>/<site> 与回源 Fetcher。
func newWorkerFactory(cfg *config.Config, client *http.Client, logger *logrus.Logger, observer worker.Observer) server.WorkerFactory {
	return func(route *server.SiteRoute) (*worker.Registration, error) {
		store, err := cache.NewStore(filepath.Join(cfg.Global.StoragePath, route.Config.Name))
		if err != nil {
			return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
		}
		return worker.NewRegistration(route.Config.Name, worker.Deps{
			Store:    store,
			Fetcher:  proxy.NewUpstreamFetcher(server.ClientForRoute(client, route), route),
			Logger:   logger,
			Observer: observer,
		})
	}
}

func buildApp(
	cfg *config.Config,
	registry *server.SiteRegistry,
	handler server.ProxyHandler,
	proxyHandler *proxy.Handler,
	logger *logrus.Logger,
) (*fiber.App, error) {
	opts := server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	}
	if cfg.Global.PassthroughUnmapped {
		opts.Unmapped = proxyHandler.Unmapped
	}
	app, err := server.NewApp(opts)
	if err != nil {
		return nil, err
	}
	routes.RegisterSiteRoutes(app, registry)
	if cfg.Global.EnableMetrics {
		routes.RegisterMetricsRoute(app, metrics.Handler())
	}
	return app, nil
}

// installSite 安装并激活站点当前配置的版本；失败只记录日志，请求继续透传。
func installSite(ctx context.Context, logger *logrus.Logger, route *server.SiteRoute, global config.GlobalConfig) {
	opts, err := worker.OptionsFromConfig(route.Config, global)
	if err != nil {
		logger.WithError(err).WithField("site", route.Config.Name).Error("站点配置无效")
		return
	}
	updateSite(ctx, logger, route, opts)
}

func updateSite(ctx context.Context, logger *logrus.Logger, route *server.SiteRoute, opts worker.Options) {
	err := route.Worker.Update(ctx, opts)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrInstallAborted):
		logger.WithFields(logging.LifecycleFields("update_superseded", route.Config.Name, opts.Version, "redundant")).
			Info("版本安装被新版本取代")
	default:
		logger.WithError(err).
			WithFields(logging.LifecycleFields("update_failed", route.Config.Name, opts.Version, "failed")).
			Error("版本更新失败，保留当前 active 版本")
	}
}

// applyReload 处理配置热更新：只有版本标签、清单与 fallback 可在线切换，
// 路由相关字段（Domain/Origin/Upstream/Proxy）与站点增删需要重启。
func applyReload(ctx context.Context, logger *logrus.Logger, registry *server.SiteRegistry, path string, next *config.Config, err error) {
	fields := logging.BaseFields("reload_config", path)
	if err != nil {
		logger.WithError(err).WithFields(fields).Warn("配置热更新失败，继续使用旧配置")
		return
	}

	for _, site := range next.Sites {
		route, ok := registry.Find(site.Name)
		if !ok {
			logger.WithFields(fields).WithField("site", site.Name).Warn("新增站点需要重启生效")
			continue
		}
		if routingChanged(route.Config, site) {
			logger.WithFields(fields).WithField("site", site.Name).Warn("站点路由字段变更需要重启生效")
			continue
		}
		opts, err := worker.OptionsFromConfig(site, next.Global)
		if err != nil {
			logger.WithError(err).WithFields(fields).WithField("site", site.Name).Warn("站点配置无效")
			continue
		}
		go updateSite(ctx, logger, route, opts)
	}
	for _, route := range registry.List() {
		if _, ok := next.FindSite(route.Config.Name); !ok {
			logger.WithFields(fields).WithField("site", route.Config.Name).Warn("删除站点需要重启生效")
		}
	}

	fields["versions"] = config.Versions(next.Sites)
	logger.WithFields(fields).Info("配置已重新加载")
}

func routingChanged(current, next config.SiteConfig) bool {
	return current.Domain != next.Domain ||
		current.Origin != next.Origin ||
		current.Upstream != next.Upstream ||
		current.Proxy != next.Proxy
}

// drainSites 等待所有站点的后台刷新结束，超时后放弃。
func drainSites(logger *logrus.Logger, registry *server.SiteRegistry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, route := range registry.List() {
		if route.Worker == nil {
			continue
		}
		if err := route.Worker.Drain(ctx); err != nil {
			logger.WithError(err).WithField("site", route.Config.Name).Warn("后台刷新未完成")
		}
	}
}
