package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	RefreshTimeout      Duration `mapstructure:"RefreshTimeout"`
	InstallConcurrency  int      `mapstructure:"InstallConcurrency"`
	PassthroughUnmapped bool     `mapstructure:"PassthroughUnmapped"`
	EnableMetrics       bool     `mapstructure:"EnableMetrics"`
}

// SiteConfig 描述一个被离线缓存接管的 Web 应用：它的 origin、版本标签与预缓存清单。
type SiteConfig struct {
	Name         string   `mapstructure:"Name"`
	Domain       string   `mapstructure:"Domain"`
	Origin       string   `mapstructure:"Origin"`
	Upstream     string   `mapstructure:"Upstream"`
	Proxy        string   `mapstructure:"Proxy"`
	Version      string   `mapstructure:"Version"`
	Manifest     []string `mapstructure:"Manifest"`
	FallbackPath string   `mapstructure:"FallbackPath"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// OriginURL 返回解析后的 origin，假定 Validate 已经通过。
func (s SiteConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(s.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// UpstreamOrOrigin 返回真正回源的地址：未配置 Upstream 时直接访问 Origin。
func (s SiteConfig) UpstreamOrOrigin() string {
	if strings.TrimSpace(s.Upstream) != "" {
		return s.Upstream
	}
	return s.Origin
}

// Versions 返回所有站点的版本摘要，例如 app:precache-v1.4，供日志字段使用。
func Versions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}

// FindSite 按名称查找站点配置。
func (c *Config) FindSite(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}
