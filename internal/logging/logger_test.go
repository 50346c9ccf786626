package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/inkclock/tagcache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "tagcache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tagcache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestCacheFieldsOmitsEmptyKey(t *testing.T) {
	fields := CacheFields("clear", "")
	if _, ok := fields["key"]; ok {
		t.Fatalf("空 key 不应写入字段")
	}
	fields = CacheFields("set", "device:42:status")
	if fields["key"] != "device:42:status" || fields["action"] != "set" {
		t.Fatalf("字段不正确: %v", fields)
	}
}

func TestCronLoggerForwardsKeyValues(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cl := CronLogger{Logger: logger}
	cl.Info("schedule", "entry", 1, "next", "soon")
	cl.Error(errors.New("boom"), "job failed", "entry", 1)

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("应记录 2 条日志，得到 %d", len(entries))
	}
	if entries[0].Data["next"] != "soon" {
		t.Fatalf("键值对应转为字段: %v", entries[0].Data)
	}
	if entries[1].Level != logrus.ErrorLevel || entries[1].Data["error"] != "boom" {
		t.Fatalf("错误日志不正确: %v", entries[1])
	}
}
