package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/precache/internal/server"
	"github.com/any-hub/precache/internal/version"
	"github.com/any-hub/precache/internal/worker"
)

// UpstreamFetcher 是 worker 的网络实现：把 origin URL 改写到站点 Upstream，
// 并以 origin 的 Host 发起请求。
type UpstreamFetcher struct {
	client *http.Client
	route  *server.SiteRoute
}

var _ worker.Fetcher = (*UpstreamFetcher)(nil)

// NewUpstreamFetcher 为站点构造 Fetcher；client 应已通过 server.ClientForRoute 套上站点代理。
func NewUpstreamFetcher(client *http.Client, route *server.SiteRoute) *UpstreamFetcher {
	return &UpstreamFetcher{client: client, route: route}
}

// Fetch 执行一次回源请求，返回的响应头已去除 hop-by-hop 字段。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*http.Response, error) {
	target := resolveUpstreamURL(f.route, req.URL)
	upstreamReq, err := buildUpstreamRequest(ctx, f.route, req.Method, target, req.Header, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	resp.Header = stripHopByHop(resp.Header)
	return resp, nil
}

// resolveUpstreamURL 保留请求的路径与 query，只替换 scheme/host 并拼接 Upstream 的基础路径。
func resolveUpstreamURL(route *server.SiteRoute, requested *url.URL) *url.URL {
	base := route.UpstreamURL
	if base == nil {
		base = route.OriginURL
	}
	target := *base
	target.User = nil
	target.Fragment = ""
	target.RawQuery = requested.RawQuery

	reqPath := requested.Path
	if reqPath == "" {
		reqPath = "/"
	}
	basePath := strings.TrimSuffix(base.Path, "/")
	target.Path = basePath + reqPath
	if requested.RawPath != "" || base.RawPath != "" {
		target.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + requested.EscapedPath()
	} else {
		target.RawPath = ""
	}
	return &target
}

func buildUpstreamRequest(
	ctx context.Context,
	route *server.SiteRoute,
	method string,
	target *url.URL,
	header http.Header,
	body []byte,
) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, header)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	// 交给 transport 协商压缩并透明解码，缓存中保存解码后的正文。
	req.Header.Del("Accept-Encoding")
	// Upstream 只是 origin 的真实地址，虚拟主机仍按 origin 的 Host 识别站点。
	if route.OriginURL != nil {
		req.Host = route.OriginURL.Host
		req.Header.Set("Host", route.OriginURL.Host)
		req.Header.Set("X-Forwarded-Proto", route.OriginURL.Scheme)
	}
	return req, nil
}

func stripHopByHop(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	server.CopyHeaders(dst, src)
	return dst
}
