package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler turns a request routed to a site into a worker interception.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
	// Unmapped serves requests whose Host matches no site. Nil answers
	// 404 host_unmapped.
	Unmapped fiber.Handler
}

func (o AppOptions) validate() error {
	switch {
	case o.Logger == nil:
		return errors.New("logger is required")
	case o.Registry == nil:
		return errors.New("site registry is required")
	case o.Proxy == nil:
		return errors.New("proxy handler is required")
	case o.ListenPort <= 0:
		return fmt.Errorf("invalid listen port: %d", o.ListenPort)
	}
	return nil
}

const (
	localRoute     = "_precache_route"
	localRequestID = "_precache_request_id"
	localOriginURL = "_precache_origin_url"
)

// siteRouter resolves the Host header to a site and rewrites the request
// target onto that site's origin before the proxy handler sees it.
type siteRouter struct {
	opts AppOptions
}

// NewApp builds a Fiber application with Host routing middleware and
// structured error handling. Diagnostics routes under /-/ are registered by
// the caller after construction.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r := &siteRouter{opts: opts}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(r.assignRequestID)
	app.Use(r.resolveSite)
	app.All("/*", r.dispatch)
	return app, nil
}

func (r *siteRouter) assignRequestID(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

// resolveSite 基于 Host/Host:port 查找站点，并把请求映射为站点 origin 上的绝对 URL。
// /-/ 诊断路径不参与站点路由。
func (r *siteRouter) resolveSite(c fiber.Ctx) error {
	if isDiagnosticsPath(requestPath(c)) {
		return c.Next()
	}

	host := strings.TrimSpace(hostHeader(c))
	route, ok := r.opts.Registry.Lookup(host)
	if !ok {
		if r.opts.Unmapped != nil {
			return r.opts.Unmapped(c)
		}
		return r.renderHostUnmapped(c, host)
	}

	c.Locals(localRoute, route)
	c.Locals(localOriginURL, originRequestURL(c, route))
	return c.Next()
}

func (r *siteRouter) dispatch(c fiber.Ctx) error {
	if isDiagnosticsPath(requestPath(c)) {
		return c.Next()
	}
	route, ok := routeFromContext(c)
	if !ok {
		return r.renderHostUnmapped(c, "")
	}
	return r.opts.Proxy.Handle(c, route)
}

func (r *siteRouter) renderHostUnmapped(c fiber.Ctx, host string) error {
	r.opts.Logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   r.opts.ListenPort,
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Precache-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

// OriginRequestURL 返回请求在站点 origin 上的绝对 URL：Host 已把请求路由到该站点，
// 因此 scheme/host 取自 origin，路径与 query 取自原请求。
func OriginRequestURL(c fiber.Ctx, route *SiteRoute) *url.URL {
	if value, ok := c.Locals(localOriginURL).(*url.URL); ok && value != nil {
		clone := *value
		return &clone
	}
	return originRequestURL(c, route)
}

func originRequestURL(c fiber.Ctx, route *SiteRoute) *url.URL {
	target := &url.URL{
		Path:     requestPath(c),
		RawQuery: string(c.Request().URI().QueryString()),
	}
	if route != nil && route.OriginURL != nil {
		target.Scheme = route.OriginURL.Scheme
		target.Host = route.OriginURL.Host
	}
	return target
}

func requestPath(c fiber.Ctx) string {
	if p := string(c.Request().URI().Path()); p != "" {
		return p
	}
	return "/"
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func routeFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	route, ok := c.Locals(localRoute).(*SiteRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
