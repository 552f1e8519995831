package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/precache/internal/config"
	"github.com/any-hub/precache/internal/logging"
	"github.com/any-hub/precache/internal/server"
	"github.com/any-hub/precache/internal/worker"
)

const (
	sourcePassthrough = "passthrough"
	sourceOffline     = "offline"
)

// RequestObserver 记录每个请求的最终来源，metrics.Recorder 即为生产实现。
type RequestObserver interface {
	RequestServed(site, source string, elapsed time.Duration)
}

type nopRequestObserver struct{}

func (nopRequestObserver) RequestServed(string, string, time.Duration) {}

// Handler 把路由到站点的请求交给该站点的 worker 拦截：命中缓存/app shell 时直接写回，
// 未被接管的请求（非 GET/HEAD、尚无 active 版本）透传到 Upstream。
type Handler struct {
	client   *http.Client
	logger   *logrus.Logger
	observer RequestObserver
}

// NewHandler constructs a handler with the shared upstream client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger, observer RequestObserver) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if observer == nil {
		observer = nopRequestObserver{}
	}
	return &Handler{
		client:   client,
		logger:   logger,
		observer: observer,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if route.Worker == nil {
		return h.passthrough(c, route, requestID, started)
	}

	resp, handled, err := route.Worker.Intercept(ctx, buildWorkerRequest(c, route))
	if !handled {
		return h.passthrough(c, route, requestID, started)
	}
	if err != nil {
		h.logResult(route, sourceOffline, "", requestID, fiber.StatusGatewayTimeout, started, err)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
	}
	return h.writeResponse(c, route, resp, requestID, started)
}

// Unmapped 透传 Host 未命中任何站点的请求，仅在 PassthroughUnmapped 打开时挂载。
func (h *Handler) Unmapped(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	host := strings.TrimSpace(string(c.Request().Header.Peek(fiber.HeaderHost)))
	if host == "" {
		return h.writeError(c, fiber.StatusBadRequest, "host_required")
	}
	route := &server.SiteRoute{
		Config:      configForUnmapped(host),
		OriginURL:   &url.URL{Scheme: c.Protocol(), Host: host},
		UpstreamURL: &url.URL{Scheme: c.Protocol(), Host: host},
	}
	return h.forward(c, route, server.OriginRequestURL(c, route), requestID, started)
}

func configForUnmapped(host string) config.SiteConfig {
	return config.SiteConfig{Name: "unmapped", Domain: host}
}

func (h *Handler) passthrough(c fiber.Ctx, route *server.SiteRoute, requestID string, started time.Time) error {
	return h.forward(c, route, resolveUpstreamURL(route, server.OriginRequestURL(c, route)), requestID, started)
}

func (h *Handler) forward(c fiber.Ctx, route *server.SiteRoute, target *url.URL, requestID string, started time.Time) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildUpstreamRequest(ctx, route, c.Method(), target, fiberHeadersAsHTTP(c), c.Body())
	if err == nil {
		req.Header.Set("X-Forwarded-Host", c.Hostname())
		if ip := c.IP(); ip != "" {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
		req.Header.Set("X-Forwarded-Port", routePort(route))
	}
	var resp *http.Response
	if err == nil {
		resp, err = server.ClientForRoute(h.client, route).Do(req)
	}
	if err != nil {
		h.logResult(route, sourcePassthrough, target.String(), requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Precache-Source", sourcePassthrough)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, sourcePassthrough, target.String(), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, sourcePassthrough, target.String(), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.SiteRoute,
	resp *worker.Response,
	requestID string,
	started time.Time,
) error {
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Precache-Source", string(resp.Source))
	c.Set("X-Precache-Version", resp.Version)
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	if resp.ContentLength > 0 {
		c.Response().Header.SetContentLength(int(resp.ContentLength))
	}
	if resp.Body == nil {
		h.logResult(route, string(resp.Source), resp.Version, requestID, resp.Status, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, string(resp.Source), resp.Version, requestID, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// logResult 输出请求日志并记录指标；detail 对透传请求是上游地址，否则是版本标签。
func (h *Handler) logResult(
	route *server.SiteRoute,
	source string,
	detail string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	elapsed := time.Since(started)
	h.observer.RequestServed(route.Config.Name, source, elapsed)
	if h.logger == nil {
		return
	}

	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, "", source, source == string(worker.SourceCache))
	if source == sourcePassthrough {
		fields["upstream"] = detail
	} else {
		fields["version"] = detail
	}
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// buildWorkerRequest 使用路由中间件映射好的 origin URL 构造 worker 请求。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) *worker.Request {
	return &worker.Request{
		Method: c.Method(),
		URL:    server.OriginRequestURL(c, route),
		Header: fiberHeadersAsHTTP(c),
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 写回上游/缓存响应头；Content-Length 由写入的正文决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
