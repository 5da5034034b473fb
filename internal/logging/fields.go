package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述一次生命周期事件（install/activate/sync/push/click）。
func LifecycleFields(event, version string) logrus.Fields {
	return logrus.Fields{
		"action":        "lifecycle",
		"event":         event,
		"cache_version": version,
	}
}

// RequestFields 提供缓存桶/请求/命中来源字段，供拦截日志复用。
func RequestFields(version, method, url, destination, source string) logrus.Fields {
	return logrus.Fields{
		"action":        "fetch",
		"cache_version": version,
		"method":        method,
		"url":           url,
		"destination":   destination,
		"source":        source,
		"cache_hit":     source == "cache",
	}
}
