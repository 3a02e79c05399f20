package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"notesync/internal/crypto"
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	AutoSync AutoSyncConfig `yaml:"auto_sync"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	System   SystemConfig   `yaml:"system"`
}

// SyncConfig 同步相关配置
type SyncConfig struct {
	// 本地工作目录
	LocalDir string `yaml:"local_dir"`
	// 远端目录 (挂载的网盘或共享目录)
	RemoteDir         string `yaml:"remote_dir"`
	ProcessorInterval string `yaml:"processor_interval"`
	MaxConcurrent     int    `yaml:"max_concurrent"`
	// keepLocal / keepRemote / merge / createBoth，留空表示需要人工处理
	DefaultResolution string `yaml:"default_resolution"`
	AutoResolve       bool   `yaml:"auto_resolve"`
	CreateBackups     bool   `yaml:"create_backups"`
	BackupRetention   string `yaml:"backup_retention"`
	QueueRetention    string `yaml:"queue_retention"`

	// 解析后的 duration，不导出到 yaml
	ProcessorIntervalDuration time.Duration `yaml:"-"`
	BackupRetentionDuration   time.Duration `yaml:"-"`
	QueueRetentionDuration    time.Duration `yaml:"-"`
}

// AutoSyncConfig 自动同步触发条件
type AutoSyncConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Interval         string   `yaml:"interval"`
	Debounce         string   `yaml:"debounce"`
	SyncOnFileChange bool     `yaml:"sync_on_file_change"`
	SyncOnAppStart   bool     `yaml:"sync_on_app_start"`
	SyncOnAppResume  bool     `yaml:"sync_on_app_resume"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryDelay       string   `yaml:"retry_delay"`
	Exclude          []string `yaml:"exclude"`

	IntervalDuration   time.Duration `yaml:"-"`
	DebounceDuration   time.Duration `yaml:"-"`
	RetryDelayDuration time.Duration `yaml:"-"`
}

// CryptoConfig 加密配置
type CryptoConfig struct {
	Enable           bool   `yaml:"enable"`
	Password         string `yaml:"password"`
	EncryptFilenames bool   `yaml:"encrypt_filenames"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath        string `yaml:"db_path"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// Default 所有字段的默认值，配置文件只需要覆盖关心的部分
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			ProcessorInterval: "5s",
			MaxConcurrent:     3,
			AutoResolve:       true,
			CreateBackups:     true,
			BackupRetention:   "168h",
			QueueRetention:    "168h",
		},
		AutoSync: AutoSyncConfig{
			Enabled:          true,
			Interval:         "15m",
			Debounce:         "2s",
			SyncOnFileChange: true,
			SyncOnAppStart:   true,
			SyncOnAppResume:  true,
			MaxRetries:       3,
			RetryDelay:       "30s",
		},
		System: SystemConfig{
			DBPath:        "./data/notesync.db",
			LogLevel:      "info",
			LogMaxSizeMB:  10,
			LogMaxBackups: 5,
			LogMaxAgeDays: 30,
		},
	}
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 在默认值之上解析 YAML 并校验
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("无效的时间间隔格式 (%s): %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("时间间隔不能为负数 (%s): %s", field, value)
	}
	return d, nil
}

func (c *Config) validate() error {
	if c.Sync.LocalDir == "" {
		return fmt.Errorf("缺少 sync.local_dir")
	}
	if c.Sync.RemoteDir == "" {
		return fmt.Errorf("缺少 sync.remote_dir")
	}
	if c.Sync.MaxConcurrent <= 0 {
		c.Sync.MaxConcurrent = 3
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"sync.processor_interval", c.Sync.ProcessorInterval, &c.Sync.ProcessorIntervalDuration},
		{"sync.backup_retention", c.Sync.BackupRetention, &c.Sync.BackupRetentionDuration},
		{"sync.queue_retention", c.Sync.QueueRetention, &c.Sync.QueueRetentionDuration},
		{"auto_sync.interval", c.AutoSync.Interval, &c.AutoSync.IntervalDuration},
		{"auto_sync.debounce", c.AutoSync.Debounce, &c.AutoSync.DebounceDuration},
		{"auto_sync.retry_delay", c.AutoSync.RetryDelay, &c.AutoSync.RetryDelayDuration},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if c.Sync.ProcessorIntervalDuration == 0 {
		return fmt.Errorf("sync.processor_interval 必须大于 0")
	}

	// 简单校验解决方式合法性
	validResolutions := map[string]bool{
		"": true, "keepLocal": true, "keepRemote": true, "merge": true, "createBoth": true,
	}
	if !validResolutions[c.Sync.DefaultResolution] {
		return fmt.Errorf("未知的默认解决方式: %s", c.Sync.DefaultResolution)
	}

	for _, p := range c.AutoSync.Exclude {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("无效的排除模式 %q: %w", p, err)
		}
	}
	if c.AutoSync.MaxRetries <= 0 {
		c.AutoSync.MaxRetries = 3
	}

	if c.Crypto.Enable && c.Crypto.Password == "" {
		return fmt.Errorf("启用加密时必须设置 crypto.password")
	}
	return nil
}

// GetAESKey 将用户输入的任意长度密码转换为 32字节 的 AES-256 密钥
func (c *CryptoConfig) GetAESKey() []byte {
	return crypto.DeriveKey(c.Password)
}
