package routes

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/precache/internal/server"
	"github.com/any-hub/precache/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供 SRE 查询各站点的 active 版本与缓存桶。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sites": encodeSites(c, registry.List()),
		})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, err := lookupSite(registry, c.Params("name"))
		if err != nil {
			return renderLookupError(c, err)
		}
		return c.JSON(encodeSite(c, route))
	})

	// 重跑 active 版本的旧桶清理，用于上次激活删除失败后的手动补偿。
	app.Post("/-/sites/:name/reactivate", func(c fiber.Ctx) error {
		route, err := lookupSite(registry, c.Params("name"))
		if err != nil {
			return renderLookupError(c, err)
		}
		if err := route.Worker.Reactivate(c.Context()); err != nil {
			if errors.Is(err, worker.ErrNotInstalled) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_version"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reactivate_failed"})
		}
		return c.JSON(encodeSite(c, route))
	})
}

// RegisterMetricsRoute 通过 fiber adaptor 挂载 Prometheus exposition handler。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}

var (
	errSiteNameRequired = errors.New("site_name_required")
	errSiteNotFound     = errors.New("site_not_found")
)

func lookupSite(registry *server.SiteRegistry, raw string) (*server.SiteRoute, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil, errSiteNameRequired
	}
	route, ok := registry.Find(name)
	if !ok || route.Worker == nil {
		return nil, errSiteNotFound
	}
	return route, nil
}

func renderLookupError(c fiber.Ctx, err error) error {
	status := fiber.StatusNotFound
	if errors.Is(err, errSiteNameRequired) {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

type sitePayload struct {
	Name              string   `json:"name"`
	Domain            string   `json:"domain"`
	Origin            string   `json:"origin"`
	Upstream          string   `json:"upstream"`
	Port              int      `json:"port"`
	ActiveVersion     string   `json:"active_version,omitempty"`
	State             string   `json:"state,omitempty"`
	InstallingVersion string   `json:"installing_version,omitempty"`
	ManifestSize      int      `json:"manifest_size"`
	Buckets           []string `json:"buckets"`
}

func encodeSites(c fiber.Ctx, routes []*server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeSite(c, route))
	}
	return result
}

func encodeSite(c fiber.Ctx, route *server.SiteRoute) sitePayload {
	payload := sitePayload{
		Name:         route.Config.Name,
		Domain:       route.Config.Domain,
		Origin:       route.OriginURL.String(),
		Upstream:     route.UpstreamURL.String(),
		Port:         route.ListenPort,
		ManifestSize: len(route.Config.Manifest),
		Buckets:      []string{},
	}
	if route.Worker == nil {
		return payload
	}
	status := route.Worker.Status(c.Context())
	payload.ActiveVersion = status.ActiveVersion
	payload.State = status.ActiveState
	payload.InstallingVersion = status.InstallingVersion
	if status.ManifestSize > 0 {
		payload.ManifestSize = status.ManifestSize
	}
	if status.Buckets != nil {
		payload.Buckets = status.Buckets
	}
	return payload
}
