package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/wfunc/cash-terminal/internal/config"
	"github.com/wfunc/cash-terminal/internal/database"
	"github.com/wfunc/cash-terminal/internal/hardware"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/supervisor"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		deviceName  = flag.String("device", "", "要接管的设备名")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cashd 设备监管进程\n")
		fmt.Printf("版本: %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Printf("Git提交: %s\n", GitCommit)
		fmt.Printf("Go版本: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *deviceName == "" {
		fmt.Fprintln(os.Stderr, "用法: cashd -device <name> [-config <path>]")
		os.Exit(2)
	}

	if err := run(*configPath, *deviceName); err != nil {
		fmt.Fprintf(os.Stderr, "cashd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, deviceName string) error {
	if err := config.Init(configPath); err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	cfg := config.Get()

	// stdout被命令协议占用，日志只能去文件
	logCfg := cfg.Log
	logCfg.Output = "file"
	if err := logger.Init(&logCfg); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	log := logger.GetModuleLogger("cashd").With(zap.String("device", deviceName))

	// 同名互斥：同一设备只允许一个监管进程
	lock, err := supervisor.AcquireDeviceLock(cfg.Supervisor.LockDir, deviceName)
	if err != nil {
		return err
	}
	defer lock.Release()

	devCfg, err := cfg.Device(deviceName)
	if err != nil {
		return err
	}

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer database.Close()
	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	driver, err := hardware.New(devCfg)
	if err != nil {
		return err
	}
	if err := driver.Initialize(context.Background()); err != nil {
		return fmt.Errorf("设备初始化失败: %w", err)
	}
	defer driver.Close()

	store := ledger.NewStore(database.GetDB())
	writer, err := ledger.OpenWriter(store, deviceName)
	if err != nil {
		return err
	}
	defer writer.Close()

	log.Info("监管进程就绪",
		zap.String("driver", devCfg.Driver),
		zap.Int("pid", os.Getpid()))

	// 协调器通过stdio下发命令；stdin关闭即退出
	sup := supervisor.New(driver, writer, &cfg.Supervisor)
	err = sup.Serve(os.Stdin, os.Stdout)
	log.Info("监管进程退出", zap.Error(err))
	return err
}
