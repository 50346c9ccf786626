package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"

[Cache]
Dir = "./data"
DefaultExpire = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
[Cache]
Dir = "./data"
DefaultExpire = 120
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.DefaultExpire.DurationValue() != 2*time.Minute {
		t.Fatalf("整数秒应解析为 2m，得到 %v", loaded.Cache.DefaultExpire.DurationValue())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TAGCACHE_CACHE_COMPRESSION", "brotli")
	path := writeTempConfig(t, `
[Cache]
Dir = "./data"
`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.Compression != "brotli" {
		t.Fatalf("环境变量应覆盖 Compression，得到 %s", loaded.Cache.Compression)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("0x3c")); err != nil {
		t.Fatalf("十六进制秒值应被接受: %v", err)
	}
	if d.DurationValue() != time.Minute {
		t.Fatalf("0x3c 应为 60s，得到 %v", d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应返回错误")
	}
}
