package config

import (
	"errors"
	"net"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var supportedCompressions = map[string]struct{}{
	"zstd":   {},
	"brotli": {},
	"none":   {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if _, _, err := net.SplitHostPort(g.ListenAddr); err != nil {
		return newFieldError("Global.ListenAddr", "必须是 host:port 形式")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	cc := c.Cache
	if cc.Dir == "" {
		return newFieldError(cacheField("Dir"), "不能为空")
	}
	if cc.DefaultExpire.DurationValue() <= 0 {
		return newFieldError(cacheField("DefaultExpire"), "必须大于 0")
	}
	if cc.LockTimeout.DurationValue() <= 0 {
		return newFieldError(cacheField("LockTimeout"), "必须大于 0")
	}
	if cc.ScanWorkers < 0 {
		return newFieldError(cacheField("ScanWorkers"), "不能为负数")
	}
	if _, ok := supportedCompressions[cc.Compression]; !ok {
		return newFieldError(cacheField("Compression"), "仅支持 zstd/brotli/none")
	}
	if cc.SweepEnabled() {
		if _, err := cron.ParseStandard(cc.SweepSchedule); err != nil {
			return newFieldError(cacheField("SweepSchedule"), "无法解析: "+err.Error())
		}
		if cc.SweepTimeout.DurationValue() <= 0 {
			return newFieldError(cacheField("SweepTimeout"), "必须大于 0")
		}
	}

	return nil
}
