package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/版本/命中状态字段，供拦截请求日志复用。
// source 取值 cache、fallback、network 或 passthrough。
func RequestFields(site, domain, version, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"version":   version,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 worker 版本生命周期事件（install/activate/redundant）。
func LifecycleFields(action, site, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"site":    site,
		"version": version,
		"state":   state,
	}
}
