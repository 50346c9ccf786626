package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Cache.DefaultExpire.DurationValue() != time.Hour {
		t.Fatalf("DefaultExpire 应解析为 1h，得到 %v", cfg.Cache.DefaultExpire.DurationValue())
	}
	if cfg.Cache.Dir == "" {
		t.Fatalf("Cache.Dir 应该被保留")
	}
	if cfg.Cache.ScanWorkers != 4 {
		t.Fatalf("ScanWorkers 应该自动填充默认值，得到 %d", cfg.Cache.ScanWorkers)
	}
	if cfg.Cache.SweepTimeout.DurationValue() != 5*time.Minute {
		t.Fatalf("SweepTimeout 应该自动填充默认值")
	}
	if !cfg.Cache.SweepEnabled() {
		t.Fatalf("SweepSchedule 已配置，应启用定期清理")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenAddr = "5080"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenAddr 缺少端口应当报错")
	}
}

func TestValidateCacheFields(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing dir", func(c *Config) { c.Cache.Dir = "" }, true},
		{"zero expire", func(c *Config) { c.Cache.DefaultExpire = 0 }, true},
		{"zero lock timeout", func(c *Config) { c.Cache.LockTimeout = 0 }, true},
		{"brotli ok", func(c *Config) { c.Cache.Compression = "brotli" }, false},
		{"unsupported compression", func(c *Config) { c.Cache.Compression = "lz4" }, true},
		{"bad schedule", func(c *Config) { c.Cache.SweepSchedule = "every tuesday" }, true},
		{"sweep disabled", func(c *Config) { c.Cache.SweepSchedule = "" }, false},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFieldErrorMessage(t *testing.T) {
	err := validConfig()
	err.Cache.Dir = ""
	got := err.Validate()
	fieldErr, ok := got.(FieldError)
	if !ok {
		t.Fatalf("应返回 FieldError，得到 %T", got)
	}
	if fieldErr.Field != "Cache.Dir" {
		t.Fatalf("字段路径不正确: %s", fieldErr.Field)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenAddr: "127.0.0.1:5080",
			LogLevel:   "info",
		},
		Cache: CacheConfig{
			Dir:           "./data",
			DefaultExpire: Duration(time.Hour),
			Compression:   "zstd",
			LockTimeout:   Duration(time.Second),
			ScanWorkers:   2,
			SweepSchedule: "@every 10m",
			SweepTimeout:  Duration(time.Minute),
		},
	}
}
