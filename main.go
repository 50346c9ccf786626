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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/inkclock/tagcache/internal/cache"
	"github.com/inkclock/tagcache/internal/config"
	"github.com/inkclock/tagcache/internal/logging"
	"github.com/inkclock/tagcache/internal/maintenance"
	"github.com/inkclock/tagcache/internal/server"
	"github.com/inkclock/tagcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	sweepOnly   bool
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
		fields["cache_dir"] = cfg.Cache.Dir
		fields["compression"] = cfg.Cache.Compression
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 组合根只创建一个 Store，并将同一实例注入管理接口与定时清理。
	store, err := newStore(cfg.Cache, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	if opts.sweepOnly {
		return runSweep(cfg.Cache, store, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(store.Collector())
	registry.MustRegister(collectors.NewGoCollector())

	var sweeper *maintenance.Sweeper
	if cfg.Cache.SweepEnabled() {
		sweeper, err = maintenance.NewSweeper(store, cfg.Cache.SweepSchedule, cfg.Cache.SweepTimeout.DurationValue(),
			logging.Component(logger, "sweeper"))
		if err != nil {
			fmt.Fprintf(stdErr, "初始化定时清理失败: %v\n", err)
			return 1
		}
		sweeper.Start()
		defer sweeper.Stop(context.Background())
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_addr"] = cfg.Global.ListenAddr
	fields["cache_dir"] = cfg.Cache.Dir
	fields["sweep_schedule"] = cfg.Cache.SweepSchedule
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, store, registry, sweeper, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tagcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		sweepOnly  bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TAGCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&sweepOnly, "sweep", false, "执行一次过期清理后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TAGCACHE_CONFIG")
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
		sweepOnly:   sweepOnly,
	}, nil
}

func newStore(cfg config.CacheConfig, logger *logrus.Logger) (cache.Store, error) {
	compression, err := cache.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return cache.NewStore(cache.Options{
		Dir:           cfg.Dir,
		DefaultExpire: cfg.DefaultExpire.DurationValue(),
		Compress:      cfg.Compress,
		Compression:   compression,
		LockTimeout:   cfg.LockTimeout.DurationValue(),
		ScanWorkers:   cfg.ScanWorkers,
		Logger:        logging.Component(logger, "cache"),
	})
}

func runSweep(cfg config.CacheConfig, store cache.Store, logger *logrus.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SweepTimeout.DurationValue())
	defer cancel()

	purged, err := store.ClearExpired(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "过期清理失败: %v\n", err)
		return 1
	}
	logger.WithFields(logrus.Fields{
		"action": "sweep",
		"purged": purged,
	}).Info("过期清理完成")
	fmt.Fprintf(stdOut, "purged %d\n", purged)
	return 0
}

func startHTTPServer(cfg *config.Config, store cache.Store, registry *prometheus.Registry, sweeper *maintenance.Sweeper, logger *logrus.Logger) error {
	appOpts := server.AppOptions{
		Logger:   logging.Component(logger, "server"),
		Store:    store,
		Gatherer: registry,
	}
	if sweeper != nil {
		appOpts.Sweeper = sweeper
	}
	app, err := server.NewApp(appOpts)
	if err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.WithField("action", "shutdown").Info("收到退出信号")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   cfg.Global.ListenAddr,
	}).Info("管理接口启动")

	return app.Listen(cfg.Global.ListenAddr)
}
