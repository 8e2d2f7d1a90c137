package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Tick       TickConfig       `mapstructure:"tick"`
	Devices    []DeviceConfig   `mapstructure:"devices"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Security   SecurityConfig   `mapstructure:"security"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
}

// ServerConfig 管理API服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// TickConfig 协调器轮询节拍配置
type TickConfig struct {
	Active time.Duration `mapstructure:"active"` // 收付款进行中的节拍
	Idle   time.Duration `mapstructure:"idle"`   // 空闲节拍
}

// DeviceConfig 单台现金设备配置
type DeviceConfig struct {
	Name         string        `mapstructure:"name"`   // 进程内唯一设备名
	Driver       string        `mapstructure:"driver"` // nv / mdb / sim
	Serial       SerialConfig  `mapstructure:"serial"`
	StoredDenoms []int64       `mapstructure:"stored_denoms"` // 循环仓存储面额（分）
	AcceptDenoms []int64       `mapstructure:"accept_denoms"` // 允许接收面额（分）
	Address      int           `mapstructure:"address"`       // 从机地址
	PresharedKey string        `mapstructure:"preshared_key"` // 加密信道预共享密钥（十六进制）
	MaxDispense  int64         `mapstructure:"max_dispense"`  // 单次最大出款（分）
	Hopper       HopperConfig  `mapstructure:"hopper"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// HopperConfig 外接单面额出币器配置
type HopperConfig struct {
	Enabled      bool  `mapstructure:"enabled"`
	Denomination int64 `mapstructure:"denomination"` // 分
	Channel      int   `mapstructure:"channel"`      // 桥接扩展通道号
}

// SupervisorConfig 设备监管进程配置
type SupervisorConfig struct {
	Command        string        `mapstructure:"command"`  // cashd 可执行文件路径
	LockDir        string        `mapstructure:"lock_dir"` // cash-<name>.lock 所在目录
	AnswerTimeout  time.Duration `mapstructure:"answer_timeout"`
	MaxDispense    int64         `mapstructure:"max_dispense"` // 单次DISPENSE上限（分）
	DrainOnStop    bool          `mapstructure:"drain_on_stop"`
	RestartOnExit  bool          `mapstructure:"restart_on_exit"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// AccountingConfig 会计账配置
type AccountingConfig struct {
	CashAccount    string `mapstructure:"cash_account"`    // 机内现金账户
	ResidueAccount string `mapstructure:"residue_account"` // 不可退还溢付账户
	SalesAccount   string `mapstructure:"sales_account"`   // 销售收入账户
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("CASH_TERMINAL")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/cash-terminal.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "cash-terminal.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 节拍默认配置
	v.SetDefault("tick.active", "200ms")
	v.SetDefault("tick.idle", "2s")

	// 监管进程默认配置
	v.SetDefault("supervisor.command", "./cashd")
	v.SetDefault("supervisor.lock_dir", "./run")
	v.SetDefault("supervisor.answer_timeout", "50s")
	v.SetDefault("supervisor.max_dispense", 20000)
	v.SetDefault("supervisor.drain_on_stop", true)
	v.SetDefault("supervisor.startup_timeout", "10s")

	// 会计账默认配置
	v.SetDefault("accounting.cash_account", "Automatenkasse")
	v.SetDefault("accounting.residue_account", "Unverwendbare Überzahlung")
	v.SetDefault("accounting.sales_account", "Verkauf")

	// 监控默认配置
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.metrics_path", "/metrics")
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Device 按名称查找设备配置
func (c *Config) Device(name string) (*DeviceConfig, error) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("设备未配置: %s", name)
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
