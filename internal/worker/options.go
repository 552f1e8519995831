package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/precache/internal/cache"
	"github.com/any-hub/precache/internal/config"
)

const (
	defaultConcurrency    = 4
	defaultRefreshTimeout = 15 * time.Second
)

// Options 是一个 worker 版本的不可变配置：版本标签、资源清单与 origin。
// 构造后按值传入 Manager，生命周期内不再修改。
type Options struct {
	Site               string
	Version            string
	Origin             *url.URL
	Manifest           []string
	FallbackPath       string
	InstallConcurrency int
	RefreshTimeout     time.Duration
}

// OptionsFromConfig 将站点配置与全局参数合成为 worker Options。
func OptionsFromConfig(site config.SiteConfig, global config.GlobalConfig) (Options, error) {
	origin, err := url.Parse(site.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("site %s: invalid origin: %w", site.Name, err)
	}
	return Options{
		Site:               site.Name,
		Version:            site.Version,
		Origin:             origin,
		Manifest:           append([]string(nil), site.Manifest...),
		FallbackPath:       site.FallbackPath,
		InstallConcurrency: global.InstallConcurrency,
		RefreshTimeout:     global.RefreshTimeout.DurationValue(),
	}, nil
}

func (o Options) normalized() (Options, error) {
	if o.Version == "" {
		return o, errors.New("version tag required")
	}
	if o.Origin == nil || o.Origin.Scheme == "" || o.Origin.Host == "" {
		return o, errors.New("absolute origin required")
	}
	if o.FallbackPath == "" {
		o.FallbackPath = "/"
	}
	if o.InstallConcurrency <= 0 {
		o.InstallConcurrency = defaultConcurrency
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = defaultRefreshTimeout
	}
	return o, nil
}

// Equal 判断两个版本是否等价；等价时 Registration 不会重新安装。
func (o Options) Equal(other Options) bool {
	if o.Version != other.Version || o.FallbackPath != other.FallbackPath {
		return false
	}
	if originString(o.Origin) != originString(other.Origin) {
		return false
	}
	return slices.Equal(o.Manifest, other.Manifest)
}

// ManifestURLs 将清单条目相对 worker 所在位置（origin 根路径）解析为绝对 URL，
// 重复条目只保留第一次出现。
func (o Options) ManifestURLs() ([]*url.URL, error) {
	base := o.scopeURL()
	seen := make(map[string]struct{}, len(o.Manifest))
	result := make([]*url.URL, 0, len(o.Manifest))
	for _, entry := range o.Manifest {
		ref, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		if !SameOrigin(resolved, o.Origin) {
			return nil, fmt.Errorf("manifest entry %q is not same-origin", entry)
		}
		key := resolved.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, resolved)
	}
	return result, nil
}

// FallbackURL 返回 app shell 的绝对地址。
func (o Options) FallbackURL() *url.URL {
	return o.scopeURL().ResolveReference(&url.URL{Path: o.FallbackPath})
}

func (o Options) scopeURL() *url.URL {
	return &url.URL{Scheme: o.Origin.Scheme, Host: o.Origin.Host, Path: "/"}
}

func originString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// SameOrigin 比较 scheme、host 与有效端口（缺省端口按 scheme 推断）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

// Request 是一次被拦截的请求，仅在单次拦截期间有效。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Response 是拦截后交给宿主写回客户端的响应。Body 为 nil 表示无正文（HEAD）。
type Response struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Source        Source
	Version       string
}

// Fetcher 执行真实的网络请求（宿主默认网络行为）。返回的响应头应已去除
// hop-by-hop 字段。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*http.Response, error) {
	return f(ctx, req)
}

// Observer 接收生命周期事件，metrics.Recorder 即为生产实现。
type Observer interface {
	RefreshSettled(site, result string)
	InstallFinished(site, result string)
	BucketDeleted(site, result string)
	VersionActivated(site, previous, version string)
}

type nopObserver struct{}

func (nopObserver) RefreshSettled(string, string)           {}
func (nopObserver) InstallFinished(string, string)          {}
func (nopObserver) BucketDeleted(string, string)            {}
func (nopObserver) VersionActivated(string, string, string) {}

// Deps 汇总 worker 依赖的宿主能力：缓存桶存储、网络与日志。
type Deps struct {
	Store    cache.Store
	Fetcher  Fetcher
	Logger   *logrus.Logger
	Observer Observer
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Store == nil {
		return d, cache.ErrStoreUnavailable
	}
	if d.Fetcher == nil {
		return d, errors.New("fetcher required")
	}
	if d.Logger == nil {
		d.Logger = logrus.New()
		d.Logger.SetOutput(io.Discard)
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	return d, nil
}
