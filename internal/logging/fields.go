package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本、请求键与应答来源字段，供拦截请求日志复用。
func RequestFields(version, cacheName, key, source string) logrus.Fields {
	return logrus.Fields{
		"version":    version,
		"cache_name": cacheName,
		"key":        key,
		"source":     source,
	}
}

// LifecycleFields 描述一次生命周期迁移（install/activate/claim）。
func LifecycleFields(action, version, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version":    version,
		"cache_name": cacheName,
		"state":      state,
	}
}
