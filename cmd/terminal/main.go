package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/api"
	"github.com/wfunc/cash-terminal/internal/config"
	"github.com/wfunc/cash-terminal/internal/coordinator"
	"github.com/wfunc/cash-terminal/internal/database"
	"github.com/wfunc/cash-terminal/internal/device"
	"github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/metrics"
	"github.com/wfunc/cash-terminal/internal/models"
	"github.com/wfunc/cash-terminal/internal/repository"
	"github.com/wfunc/cash-terminal/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Terminal 终端主进程
// 为每台配置的设备拉起cashd监管进程，驱动协调器tick循环，
// 并对外提供管理API与事件推送
type Terminal struct {
	cfg    *config.Config
	logger *zap.Logger

	clients    []*device.Client
	coord      *coordinator.Coordinator
	hub        *websocket.Hub
	metrics    *metrics.Metrics
	statusRepo repository.DeviceStatusRepository
	router     *api.Router

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	terminal := NewTerminal(cfg)
	if err := terminal.Start(); err != nil {
		logger.Fatal("终端启动失败", zap.Error(err))
	}

	terminal.WaitForShutdown()

	if err := terminal.Shutdown(); err != nil {
		logger.Error("终端关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("终端已安全关闭")
}

// NewTerminal 创建终端实例
func NewTerminal(cfg *config.Config) *Terminal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Terminal{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// fanoutSink 把协调器事件同时分发给多个出口
type fanoutSink []coordinator.Sink

func (f fanoutSink) Publish(ev coordinator.Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// Start 启动终端
func (t *Terminal) Start() error {
	t.logger.Info("正在启动现金终端...",
		zap.String("version", Version),
		zap.Int("devices", len(t.cfg.Devices)))

	if err := database.Init(&t.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if t.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	database.CleanupStaleLocks()

	t.statusRepo = repository.NewDeviceStatusRepository(database.GetDB())

	// 事件出口：操作界面推送 + 指标
	t.hub = websocket.NewHub(logger.GetModuleLogger("websocket"))
	go t.hub.Run()

	sinks := fanoutSink{t.hub}
	if t.cfg.Monitor.Enabled {
		t.metrics = metrics.New()
		sinks = append(sinks, t.metrics)
	}

	// 每台设备一个监管进程
	if err := t.spawnDevices(); err != nil {
		return err
	}

	acct := accounting.New(database.GetDB())
	t.coord = coordinator.New(t.clients, acct, sinks)

	// API服务器随进程退出，不参与优雅等待
	t.router = api.NewRouter(database.GetDB(), t.cfg, t.hub, t.metrics, t.logger)
	go func() {
		addr := fmt.Sprintf("%s:%d", t.cfg.Server.Host, t.cfg.Server.Port)
		if err := t.router.Run(addr); err != nil {
			t.logger.Error("API服务器退出", zap.Error(err))
		}
	}()

	t.wg.Add(1)
	go t.tickLoop()

	config.Watch(func(newCfg *config.Config) {
		t.logger.Info("配置已更新")
		logger.SetLevel(newCfg.Log.Level)
	})

	t.logger.Info("终端启动成功",
		zap.String("http", fmt.Sprintf("%s:%d", t.cfg.Server.Host, t.cfg.Server.Port)))
	return nil
}

// spawnDevices 为每台配置的设备拉起监管进程并建立客户端
func (t *Terminal) spawnDevices() error {
	for i := range t.cfg.Devices {
		devCfg := &t.cfg.Devices[i]
		tr, err := device.SpawnSupervisor(&t.cfg.Supervisor, devCfg.Name)
		if err != nil {
			return errors.Wrapf(err, errors.ErrSupervisorExited, "拉起设备%s失败", devCfg.Name)
		}
		client := device.NewClient(devCfg.Name, tr, t.cfg.Supervisor.AnswerTimeout)
		t.clients = append(t.clients, client)

		t.logger.Info("设备已接入",
			zap.String("device", devCfg.Name),
			zap.String("driver", devCfg.Driver))
	}
	if len(t.clients) == 0 {
		t.logger.Warn("未配置任何设备")
	}
	return nil
}

// tickLoop 协调器主循环：单线程协作式推进
// 收付款进行中用快节拍，空闲时放慢
func (t *Terminal) tickLoop() {
	defer t.wg.Done()

	timer := time.NewTimer(t.cfg.Tick.Active)
	defer timer.Stop()

	lastStatus := time.Time{}
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		t.coord.Poll(t.ctx)
		t.metrics.ObserveTick(time.Since(start))
		t.metrics.SetMode(t.coord.Mode())

		// 设备状态落库，秒级足够
		if time.Since(lastStatus) >= time.Second {
			lastStatus = time.Now()
			t.persistDeviceStatus()
		}

		next := t.cfg.Tick.Idle
		if t.coord.Busy() {
			next = t.cfg.Tick.Active
		}
		timer.Reset(next)
	}
}

// persistDeviceStatus 把各设备客户端的观测状态写入数据库
func (t *Terminal) persistDeviceStatus() {
	for _, cl := range t.clients {
		devCfg, err := t.cfg.Device(cl.Name())
		driverName := ""
		if err == nil {
			driverName = devCfg.Driver
		}

		t.metrics.SetDeviceUp(cl.Name(), !cl.Dead())
		status := &models.DeviceStatus{
			DeviceName: cl.Name(),
			Driver:     driverName,
			Mode:       cl.SupervisorMode(),
			Dead:       cl.Dead(),
		}
		if err := t.statusRepo.Upsert(t.ctx, status); err != nil {
			t.logger.Warn("设备状态落库失败",
				zap.String("device", cl.Name()),
				zap.Error(err))
		}
	}
}

// WaitForShutdown 等待退出信号
func (t *Terminal) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigCh
	t.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭
func (t *Terminal) Shutdown() error {
	t.logger.Info("正在关闭终端...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), t.cfg.Server.ShutdownTimeout)
	defer cancel()

	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		t.logger.Warn("关闭超时，强制退出")
	}

	// 关闭设备通道，监管进程读到EOF后自行退出
	for _, cl := range t.clients {
		if err := cl.Close(); err != nil {
			t.logger.Warn("关闭设备通道失败",
				zap.String("device", cl.Name()),
				zap.Error(err))
		}
	}

	if err := database.Close(); err != nil {
		t.logger.Error("关闭数据库失败", zap.Error(err))
	}
	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("现金终端\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
