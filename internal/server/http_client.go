package server

import (
	"net"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/any-hub/precache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于预缓存、后台刷新与透传请求。
// 重定向不自动跟随：worker 缓存的是 origin 对该 URL 的原始响应。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type routeClientKey struct {
	base  *http.Client
	proxy string
}

// routeClients 缓存带代理的 client，同一 base 与代理地址共享一个 Transport 与连接池。
var routeClients sync.Map

// ClientForRoute 返回带站点级代理的 client；未配置 Proxy 时直接复用 base。
func ClientForRoute(base *http.Client, route *SiteRoute) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if route == nil || route.ProxyURL == nil {
		return base
	}
	key := routeClientKey{base: base, proxy: route.ProxyURL.String()}
	if cached, ok := routeClients.Load(key); ok {
		return cached.(*http.Client)
	}
	transport := defaultTransport.Clone()
	if current, ok := base.Transport.(*http.Transport); ok && current != nil {
		transport = current.Clone()
	}
	transport.Proxy = http.ProxyURL(route.ProxyURL)
	client := *base
	client.Transport = transport
	actual, loaded := routeClients.LoadOrStore(key, &client)
	if loaded {
		transport.CloseIdleConnections()
	}
	return actual.(*http.Client)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
