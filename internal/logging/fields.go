package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供 action/key 字段，供缓存读写与删除事件复用。
func CacheFields(action, key string) logrus.Fields {
	fields := logrus.Fields{"action": action}
	if key != "" {
		fields["key"] = key
	}
	return fields
}

// RequestFields 提供管理接口请求的公共字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
