package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-cache/internal/cache"
	"github.com/any-hub/pwa-cache/internal/config"
	"github.com/any-hub/pwa-cache/internal/logging"
	"github.com/any-hub/pwa-cache/internal/notify"
	"github.com/any-hub/pwa-cache/internal/server"
	"github.com/any-hub/pwa-cache/internal/server/routes"
	"github.com/any-hub/pwa-cache/internal/version"
)

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
		fields["cache_version"] = cfg.Worker.CacheVersion
		fields["precache"] = len(cfg.Worker.Precache)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 控制器（install + activate）→ Fiber server，
	// 保证第一个请求到达前预缓存已经完成。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	center := notify.NewCenter(logger)
	ctrl, err := server.NewController(cfg, storage, center, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建控制器失败: %v\n", err)
		return 1
	}
	if _, err := ctrl.Start(context.Background()); err != nil {
		logger.WithFields(logging.LifecycleFields("start_failed", ctrl.Version())).
			WithError(err).Warn("控制器启动未完成，将以未激活状态继续服务")
	}

	host, err := server.NewHost(ctrl, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建控制器宿主失败: %v\n", err)
		return 1
	}

	watcher, err := config.Watch(opts.configPath, reloadHandler(host, storage, center, logger, opts.configPath))
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).Warn("配置热更新不可用")
	} else {
		defer watcher.Close()
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["origin"] = cfg.Worker.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, host, center, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	host.Wait()
	return 0
}

// reloadHandler 在配置文件变化后比较缓存版本，版本变化时构建新控制器并替换。
// 其余字段需要重启进程才会生效。
func reloadHandler(host *server.Host, storage cache.Storage, center *notify.Center, logger *logrus.Logger, configPath string) func(*config.Config, error) {
	return func(cfg *config.Config, err error) {
		fields := logging.BaseFields("config_reload", configPath)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重新加载失败，继续使用当前版本")
			return
		}
		current := host.Current()
		if cfg.Worker.CacheVersion == current.Version() {
			logger.WithFields(fields).Info("缓存版本未变化，忽略")
			return
		}

		next, err := server.NewController(cfg, storage, center, logger)
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("构建新版本控制器失败")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := host.Replace(ctx, next); err != nil {
			logger.WithFields(fields).WithError(err).Error("新版本安装失败，保留旧版本")
			return
		}
		fields["cache_version"] = next.Version()
		fields["previous_version"] = current.Version()
		logger.WithFields(fields).Info("缓存版本已切换")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pwa-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PWA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PWA_CACHE_CONFIG")
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

func startHTTPServer(cfg *config.Config, host *server.Host, center *notify.Center, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Host:       host,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, host)
	routes.RegisterDiagnosticsRoutes(app, host, center)

	go shutdownOnSignal(app, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// shutdownOnSignal 收到 SIGINT/SIGTERM 后停止接收请求，Listen 随之返回。
func shutdownOnSignal(app *fiber.App, logger *logrus.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	sig := <-signals
	logger.WithFields(logrus.Fields{"action": "shutdown", "signal": sig.String()}).Info("Fiber 服务停止")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("停止服务超时")
	}
}
