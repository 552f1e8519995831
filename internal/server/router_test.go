package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/precache/internal/config"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000, nil)

	req := httptest.NewRequest("GET", "http://stopwatch.example.com/index.html", nil)
	req.Host = "stopwatch.example.com"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Precache-Host"))
	}

	if app.storage.routeName != "stopwatch" {
		t.Fatalf("expected stopwatch route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterMapsRequestOntoSiteOrigin(t *testing.T) {
	app := newTestApp(t, 5000, nil)

	req := httptest.NewRequest("GET", "http://stopwatch.example.com:5000/pkg/app.js?v=2", nil)
	req.Host = "stopwatch.example.com:5000"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if want := "https://stopwatch.example.com/pkg/app.js?v=2"; app.storage.originURL != want {
		t.Fatalf("expected origin url %s, got %s", want, app.storage.originURL)
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000, nil)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Precache-Host"); got != "unknown.local" {
		t.Fatalf("expected unmapped host echoed, got %q", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if app.storage.routeName != "" {
		t.Fatalf("proxy handler should not run for unmapped hosts")
	}
}

func TestRouterDelegatesUnmappedHosts(t *testing.T) {
	app := newTestApp(t, 5000, func(c fiber.Ctx) error {
		return c.Status(fiber.StatusAccepted).SendString("passthrough")
	})

	req := httptest.NewRequest("GET", "http://cdn.other.net/lib.js", nil)
	req.Host = "cdn.other.net"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected unmapped handler status, got %d", resp.StatusCode)
	}
}

func TestRouterSkipsHostLookupForDiagnostics(t *testing.T) {
	app := newTestApp(t, 5000, nil)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected diagnostics route to answer, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	logger := logrus.New()
	registry, _ := NewSiteRegistry(&config.Config{}, nil)
	handler := ProxyHandlerFunc(func(fiber.Ctx, *SiteRoute) error { return nil })

	cases := []AppOptions{
		{Registry: registry, Proxy: handler, ListenPort: 5000},
		{Logger: logger, Proxy: handler, ListenPort: 5000},
		{Logger: logger, Registry: registry, ListenPort: 5000},
		{Logger: logger, Registry: registry, Proxy: handler},
	}
	for i, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int, unmapped fiber.Handler) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: port},
		Sites:  testSites(),
	}

	registry, err := NewSiteRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
		Unmapped:   unmapped,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *SiteRoute
	routeName string
	originURL string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *SiteRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	p.originURL = OriginRequestURL(c, route).String()
	return c.SendStatus(fiber.StatusNoContent)
}
