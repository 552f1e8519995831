package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/precache/internal/cache"
)

var shellBodies = map[string]string{
	"/":               "<html>shell</html>",
	"/index.html":     "<html>index</html>",
	"/app.js":         "console.log('v1')",
	"/styles.css":     "body{}",
	"/icons/logo.png": "png",
}

func TestInstallCachesEveryManifestEntry(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m, err := NewManager(testOptions("precache-v1", "/", "index.html", "/app.js", "./styles.css", "/icons/logo.png"), env.deps)
	require.NoError(t, err)

	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, StateInstalled, m.State())
	assert.Equal(t, []string{"precache-v1"}, bucketKeys(t, env.store))

	bucket := cache.BucketHandle(env.store, "precache-v1")
	for path, body := range shellBodies {
		u, _ := url.Parse(testOrigin + path)
		result, err := bucket.Match(context.Background(), u)
		require.NoError(t, err, path)
		data, err := io.ReadAll(result.Reader)
		result.Reader.Close()
		require.NoError(t, err)
		assert.Equal(t, body, string(data), path)
	}
	assert.Equal(t, 1, env.observer.count("install:ok"))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m, err := NewManager(testOptions("precache-v1", "/", "/app.js", "/missing.js"), env.deps)
	require.NoError(t, err)

	err = m.Install(context.Background())
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.Status)
	assert.Equal(t, StateFailed, m.State())
	assert.Empty(t, bucketKeys(t, env.store), "failed install must not leave a bucket")
	assert.Equal(t, 1, env.observer.count("install:failed"))

	// 失败后不可激活
	assert.ErrorIs(t, m.Activate(context.Background()), ErrNotInstalled)
}

func TestInstallFailureKeepsExistingBucket(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))

	env.origin.setDown("/app.js", true)
	retry, err := NewManager(testOptions("precache-v1", "/", "/app.js"), env.deps)
	require.NoError(t, err)
	require.Error(t, retry.Install(context.Background()))

	bucket := cache.BucketHandle(env.store, "precache-v1")
	u, _ := url.Parse(testOrigin + "/app.js")
	result, err := bucket.Match(context.Background(), u)
	require.NoError(t, err)
	result.Reader.Close()
}

func TestInstallRunsOnce(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/"))
	assert.ErrorIs(t, m.Install(context.Background()), ErrInvalidState)
}

func TestActivateDeletesEveryOtherBucket(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	ctx := context.Background()
	for _, stale := range []string{"precache-v0", "legacy-cache", "precache-v1-beta"} {
		_, err := cache.OpenBucket(ctx, env.store, stale)
		require.NoError(t, err)
	}

	m := env.activeManager(t, testOptions("precache-v1", "/"))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, []string{"precache-v1"}, bucketKeys(t, env.store))
	assert.Equal(t, 3, env.observer.count("delete:ok"))

	// 再次激活不改变任何东西
	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, []string{"precache-v1"}, bucketKeys(t, env.store))
	assert.Equal(t, 3, env.observer.count("delete:ok"))
}

func TestActivateToleratesDeleteFailure(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	ctx := context.Background()
	for _, stale := range []string{"precache-v0", "stuck"} {
		_, err := cache.OpenBucket(ctx, env.store, stale)
		require.NoError(t, err)
	}
	env.store.failDelete["stuck"] = true

	m := env.activeManager(t, testOptions("precache-v1", "/"))
	assert.Equal(t, StateActive, m.State())
	assert.ElementsMatch(t, []string{"precache-v1", "stuck"}, bucketKeys(t, env.store))
	assert.Equal(t, 1, env.observer.count("delete:failed"))

	// 故障恢复后再次激活即可清理
	env.store.failDelete["stuck"] = false
	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, []string{"precache-v1"}, bucketKeys(t, env.store))
}

func TestInterceptServesCacheAndRefreshesOnce(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))
	require.Equal(t, 1, env.origin.hitCount("/app.js"))

	env.origin.set("/app.js", "console.log('v1.1')")
	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/app.js"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "precache-v1", resp.Version)
	assert.Equal(t, "console.log('v1')", readBody(t, resp), "stale copy is served")

	require.NoError(t, m.Drain(context.Background()))
	assert.Equal(t, 2, env.origin.hitCount("/app.js"), "exactly one background refresh")
	assert.Equal(t, 1, env.observer.count("refresh:stored"))

	resp, _, err = m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('v1.1')", readBody(t, resp), "refreshed copy served next time")
	require.NoError(t, m.Drain(context.Background()))
}

func TestRefreshDropsConditionalHeaders(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))

	req := getRequest(t, http.MethodGet, testOrigin+"/app.js")
	req.Header.Set("If-None-Match", `"abc"`)
	req.Header.Set("Range", "bytes=0-10")
	req.Header.Set("Accept-Language", "de")
	resp, _, err := m.Intercept(context.Background(), req)
	require.NoError(t, err)
	readBody(t, resp)
	require.NoError(t, m.Drain(context.Background()))

	sent := env.origin.lastHeader("/app.js")
	assert.Empty(t, sent.Get("If-None-Match"))
	assert.Empty(t, sent.Get("Range"))
	assert.Equal(t, "de", sent.Get("Accept-Language"))
}

func TestInterceptIgnoresCrossOrigin(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/"))
	matchesBefore := env.store.matchCount()

	for _, raw := range []string{
		"https://cdn.example.com/app.js",
		"http://app.example.com/app.js",
		"https://app.example.com:8443/app.js",
	} {
		resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, raw))
		require.NoError(t, err, raw)
		assert.False(t, handled, raw)
		assert.Nil(t, resp, raw)
	}
	assert.Equal(t, matchesBefore, env.store.matchCount(), "no cache lookup for cross-origin")
	assert.Zero(t, env.origin.hitCount("/app.js"))
}

func TestInterceptTreatsDefaultPortAsSameOrigin(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))

	_, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, "https://APP.example.com:443/app.js"))
	require.NoError(t, err)
	assert.True(t, handled)
	require.NoError(t, m.Drain(context.Background()))
}

func TestInterceptIgnoresNonGet(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/"))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
		_, handled, err := m.Intercept(context.Background(), getRequest(t, method, testOrigin+"/"))
		require.NoError(t, err)
		assert.False(t, handled, method)
	}
}

func TestInterceptMissServesFallback(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	env.origin.set("/settings", "<html>settings</html>")
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))

	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/settings"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))

	require.NoError(t, m.Drain(context.Background()))
	assert.Equal(t, 1, env.origin.hitCount("/settings"))

	// 后台刷新写入了真实资源，下次直接命中
	resp, _, err = m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/settings"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "<html>settings</html>", readBody(t, resp))
	require.NoError(t, m.Drain(context.Background()))
}

func TestInterceptDoubleMissFetchesFromNetwork(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	env.origin.set("/api/status", "ok")
	opts := testOptions("precache-v1", "/app.js")
	opts.FallbackPath = "/offline.html"
	m := env.activeManager(t, opts)

	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/api/status"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, int64(2), resp.ContentLength)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", readBody(t, resp))
	// 请求、fallback 各未命中一次，随后从刚写入的条目读出
	assert.Equal(t, 3, env.store.matchCount())

	// 前台回源的 200 响应被写入缓存
	resp, _, err = m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/api/status"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	readBody(t, resp)
	require.NoError(t, m.Drain(context.Background()))
}

func TestInterceptDoubleMissPassesNonOKThrough(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	opts := testOptions("precache-v1", "/app.js")
	opts.FallbackPath = "/offline.html"
	m := env.activeManager(t, opts)

	for i := 0; i < 2; i++ {
		resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/missing"))
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, SourceNetwork, resp.Source)
		assert.Equal(t, http.StatusNotFound, resp.Status)
		assert.Equal(t, "not found", readBody(t, resp))
	}
	assert.Equal(t, 2, env.origin.hitCount("/missing"))
}

func TestInterceptDoubleMissOffline(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	env.origin.setDown("/api/status", true)
	opts := testOptions("precache-v1", "/app.js")
	opts.FallbackPath = "/offline.html"
	m := env.activeManager(t, opts)

	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/api/status"))
	assert.True(t, handled)
	assert.Nil(t, resp)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Error(), "/api/status")
}

func TestRefreshFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))
	env.origin.setDown("/app.js", true)

	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/app.js"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "console.log('v1')", readBody(t, resp))

	require.NoError(t, m.Drain(context.Background()))
	assert.Equal(t, 1, env.observer.count("refresh:failed"))
}

func TestRefreshSkipsNonOKResponses(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/"))

	// /gone 在 origin 上返回 404：回退到 shell，刷新结果不写入缓存
	resp, _, err := m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/gone"))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, resp.Source)
	readBody(t, resp)
	require.NoError(t, m.Drain(context.Background()))
	assert.Equal(t, 1, env.observer.count("refresh:skipped"))

	resp, _, err = m.Intercept(context.Background(), getRequest(t, http.MethodGet, testOrigin+"/gone"))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, resp.Source)
	readBody(t, resp)
	require.NoError(t, m.Drain(context.Background()))
}

func TestInterceptHeadDropsBody(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	m := env.activeManager(t, testOptions("precache-v1", "/", "/app.js"))

	resp, handled, err := m.Intercept(context.Background(), getRequest(t, http.MethodHead, testOrigin+"/app.js"))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Nil(t, resp.Body)
	assert.Equal(t, int64(len("console.log('v1')")), resp.ContentLength)
	require.NoError(t, m.Drain(context.Background()))
}

func TestInstallAbortedByContext(t *testing.T) {
	env := newTestEnv(t, copyBodies(shellBodies))
	env.origin.setHang("/slow.js")
	m, err := NewManager(testOptions("precache-v1", "/", "/slow.js"), env.deps)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.Install(ctx)
	require.ErrorIs(t, err, ErrInstallAborted)
	assert.Equal(t, StateFailed, m.State())
	assert.Empty(t, bucketKeys(t, env.store))
	assert.Equal(t, 1, env.observer.count("install:aborted"))
}

func TestNewManagerRejectsInvalidOptions(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := NewManager(testOptions("", "/"), env.deps)
	assert.Error(t, err)

	_, err = NewManager(testOptions("precache-v1", "https://cdn.example.com/lib.js"), env.deps)
	assert.Error(t, err)

	_, err = NewManager(testOptions("precache-v1", "/"), Deps{Fetcher: env.origin})
	assert.True(t, errors.Is(err, cache.ErrStoreUnavailable))
}

func copyBodies(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
