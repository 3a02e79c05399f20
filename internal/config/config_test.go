package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sync:
  local_dir: ./notes
  remote_dir: /mnt/share/notes
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Sync.ProcessorIntervalDuration != 5*time.Second {
		t.Errorf("processor interval = %v", cfg.Sync.ProcessorIntervalDuration)
	}
	if cfg.AutoSync.IntervalDuration != 15*time.Minute || cfg.AutoSync.DebounceDuration != 2*time.Second {
		t.Errorf("auto sync = %+v", cfg.AutoSync)
	}
	if cfg.AutoSync.MaxRetries != 3 || cfg.AutoSync.RetryDelayDuration != 30*time.Second {
		t.Errorf("retries = %d / %v", cfg.AutoSync.MaxRetries, cfg.AutoSync.RetryDelayDuration)
	}
	if cfg.Sync.BackupRetentionDuration != 7*24*time.Hour {
		t.Errorf("backup retention = %v", cfg.Sync.BackupRetentionDuration)
	}
	if cfg.System.LogMaxSizeMB != 10 {
		t.Errorf("log size = %d", cfg.System.LogMaxSizeMB)
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
sync:
  local_dir: ./notes
  remote_dir: ./remote
  default_resolution: keepRemote
  max_concurrent: 8
auto_sync:
  enabled: false
  debounce: 500ms
  exclude: ["*.tmp", ".trash/*"]
crypto:
  enable: true
  password: secret
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.AutoSync.Enabled || cfg.AutoSync.DebounceDuration != 500*time.Millisecond {
		t.Errorf("auto sync = %+v", cfg.AutoSync)
	}
	if cfg.Sync.DefaultResolution != "keepRemote" || cfg.Sync.MaxConcurrent != 8 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if len(cfg.Crypto.GetAESKey()) != 32 {
		t.Error("AES key should be 32 bytes")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing local":  "sync: {remote_dir: r}",
		"bad interval":   "sync: {local_dir: l, remote_dir: r}\nauto_sync: {interval: soon}",
		"bad resolution": "sync: {local_dir: l, remote_dir: r, default_resolution: newest}",
		"bad pattern":    "sync: {local_dir: l, remote_dir: r}\nauto_sync: {exclude: ['[']}",
		"no password":    "sync: {local_dir: l, remote_dir: r}\ncrypto: {enable: true}",
		"zero processor": "sync: {local_dir: l, remote_dir: r, processor_interval: 0s}",
		"not yaml":       "sync: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("sync: {local_dir: l, remote_dir: r}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "读取配置文件失败") {
		t.Errorf("LoadConfig(missing) = %v", err)
	}
}

func TestLoadConfig_Example(t *testing.T) {
	cfg, err := LoadConfig("../../config/config.example.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.AutoSync.RetryDelayDuration != 30*time.Second || len(cfg.AutoSync.Exclude) != 3 {
		t.Errorf("auto_sync = %+v", cfg.AutoSync)
	}
}
