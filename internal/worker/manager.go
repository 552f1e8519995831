package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/precache/internal/cache"
	"github.com/any-hub/precache/internal/logging"
)

// Manager 是单个 worker 版本：拥有一个以版本标签命名的缓存桶，
// 响应 install / activate / intercept 三类宿主事件。
type Manager struct {
	opts   Options
	deps   Deps
	bucket cache.Bucket

	mu    sync.RWMutex
	state State

	// inflight 跟踪后台刷新，相当于 waitUntil：Drain 会等待它们结束。
	inflight sync.WaitGroup
}

// NewManager 校验 Options 并构造处于 parsed 状态的版本。
func NewManager(opts Options, deps Deps) (*Manager, error) {
	normalized, err := opts.normalized()
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", opts.Site, err)
	}
	if _, err := normalized.ManifestURLs(); err != nil {
		return nil, fmt.Errorf("site %s: %w", opts.Site, err)
	}
	withDefaults, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:   normalized,
		deps:   withDefaults,
		bucket: cache.BucketHandle(withDefaults.Store, normalized.Version),
		state:  StateParsed,
	}, nil
}

// Version 返回版本标签。
func (m *Manager) Version() string {
	return m.opts.Version
}

// Options 返回构造时的配置副本。
func (m *Manager) Options() Options {
	return m.opts
}

// State 返回当前生命周期阶段。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range from {
		if m.state == allowed {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.state, to)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Install 并发抓取整个清单写入私有暂存桶，全部成功后一次性并入版本桶。
// 任一资源失败都会使整个安装失败并清理暂存桶，版本桶保持原状。
func (m *Manager) Install(ctx context.Context) (err error) {
	if err := m.transition([]State{StateParsed}, StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	m.logLifecycle("install_start", logrus.InfoLevel, nil)

	defer func() {
		if err == nil {
			m.setState(StateInstalled)
			m.deps.Observer.InstallFinished(m.opts.Site, "ok")
			m.logLifecycle("install_complete", logrus.InfoLevel, logrus.Fields{
				"assets":     len(m.opts.Manifest),
				"elapsed_ms": time.Since(started).Milliseconds(),
			})
			return
		}
		m.setState(StateFailed)
		result := "failed"
		if ctx.Err() != nil {
			result = "aborted"
			if !errors.Is(err, ErrInstallAborted) {
				err = fmt.Errorf("%w: %v", ErrInstallAborted, err)
			}
		}
		m.deps.Observer.InstallFinished(m.opts.Site, result)
		m.logLifecycle("install_failed", logrus.WarnLevel, logrus.Fields{"error": err.Error(), "result": result})
	}()

	urls, err := m.opts.ManifestURLs()
	if err != nil {
		return err
	}

	stagingName := fmt.Sprintf(".staging-%s-%s", m.opts.Version, uuid.NewString())
	staging, err := cache.OpenBucket(ctx, m.deps.Store, stagingName)
	if err != nil {
		return err
	}
	defer func() {
		// Promote 成功后暂存桶已不存在，Delete 为空操作。
		if _, delErr := m.deps.Store.Delete(context.Background(), stagingName); delErr != nil {
			m.deps.Logger.WithError(delErr).WithField("bucket", stagingName).Warn("staging_cleanup_failed")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.InstallConcurrency)
	for _, target := range urls {
		g.Go(func() error {
			return m.precache(gctx, staging, target)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.deps.Store.Promote(ctx, stagingName, m.opts.Version); err != nil {
		return fmt.Errorf("promote %s: %w", m.opts.Version, err)
	}
	return nil
}

func (m *Manager) precache(ctx context.Context, staging cache.Bucket, target *url.URL) error {
	resp, err := m.deps.Fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: target, Header: http.Header{}})
	if err != nil {
		return &FetchError{URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FetchError{URL: target.String(), Status: resp.StatusCode}
	}
	meta := cache.Meta{Status: resp.StatusCode, Header: resp.Header.Clone()}
	if _, err := staging.Put(ctx, target, meta, resp.Body); err != nil {
		return &FetchError{URL: target.String(), Err: err}
	}
	return nil
}

// Activate 删除所有与当前版本标签不同的桶（并发、逐个容错），随后进入 active。
// 对已激活的版本再次调用只会重新检查桶列表。
func (m *Manager) Activate(ctx context.Context) error {
	state := m.State()
	switch state {
	case StateInstalled:
		if err := m.transition([]State{StateInstalled}, StateActivating); err != nil {
			return err
		}
	case StateActive, StateActivating:
	default:
		return fmt.Errorf("%w: state %s", ErrNotInstalled, state)
	}

	deleted, failed := m.deleteStaleBuckets(ctx)

	if state != StateActive {
		m.setState(StateActive)
	}
	m.logLifecycle("activate_complete", logrus.InfoLevel, logrus.Fields{
		"deleted_buckets": deleted,
		"failed_buckets":  failed,
	})
	return nil
}

func (m *Manager) deleteStaleBuckets(ctx context.Context) (deleted, failed []string) {
	names, err := m.deps.Store.Keys(ctx)
	if err != nil {
		m.deps.Logger.WithError(err).
			WithFields(logging.LifecycleFields("bucket_list_failed", m.opts.Site, m.opts.Version, m.State().String())).
			Warn("bucket_list_failed")
		return nil, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		if name == m.opts.Version {
			continue
		}
		g.Go(func() error {
			_, delErr := m.deps.Store.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if delErr != nil {
				failed = append(failed, name)
				m.deps.Observer.BucketDeleted(m.opts.Site, "failed")
				m.deps.Logger.WithError(delErr).
					WithFields(logging.LifecycleFields("bucket_delete_failed", m.opts.Site, m.opts.Version, "activating")).
					WithField("bucket", name).
					Warn("bucket_delete_failed")
				return nil
			}
			deleted = append(deleted, name)
			m.deps.Observer.BucketDeleted(m.opts.Site, "ok")
			return nil
		})
	}
	_ = g.Wait()
	return deleted, failed
}

// Intercept 对同源 GET/HEAD 请求执行 stale-while-revalidate：
// 命中返回缓存，未命中返回 FallbackPath（app shell），并在后台刷新该请求。
// 两者都未命中时前台回源（fail-open）。handled=false 表示交由宿主默认网络行为处理。
func (m *Manager) Intercept(ctx context.Context, req *Request) (*Response, bool, error) {
	if req == nil || req.URL == nil || !SameOrigin(req.URL, m.opts.Origin) {
		return nil, false, nil
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, false, nil
	}

	if resp := m.match(ctx, req.URL, SourceCache); resp != nil {
		m.startRefresh(req)
		return m.finish(req, resp), true, nil
	}
	if resp := m.match(ctx, m.opts.FallbackURL(), SourceFallback); resp != nil {
		m.startRefresh(req)
		return m.finish(req, resp), true, nil
	}

	resp, err := m.fetchAndStore(ctx, req)
	if err != nil {
		return nil, true, err
	}
	return m.finish(req, resp), true, nil
}

func (m *Manager) match(ctx context.Context, target *url.URL, source Source) *Response {
	result, err := m.bucket.Match(ctx, target)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.deps.Logger.WithError(err).
				WithFields(logging.RequestFields(m.opts.Site, m.opts.Origin.Host, m.opts.Version, string(source), false)).
				Warn("cache_match_failed")
		}
		return nil
	}
	return &Response{
		Status:        result.Entry.Status,
		Header:        result.Entry.Header.Clone(),
		Body:          result.Reader,
		ContentLength: result.Entry.SizeBytes,
		Source:        source,
		Version:       m.opts.Version,
	}
}

// fetchAndStore 用于双重未命中：前台回源。200 的响应先流式写入版本桶，再从桶中读出返回；
// 其他状态码直接透传上游正文，不入缓存。
func (m *Manager) fetchAndStore(ctx context.Context, req *Request) (*Response, error) {
	upstream, err := m.deps.Fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: req.URL, Header: req.Header.Clone()})
	if err != nil {
		return nil, &FetchError{URL: req.URL.String(), Err: err}
	}

	if upstream.StatusCode != http.StatusOK {
		return &Response{
			Status:        upstream.StatusCode,
			Header:        upstream.Header.Clone(),
			Body:          upstream.Body,
			ContentLength: upstream.ContentLength,
			Source:        SourceNetwork,
			Version:       m.opts.Version,
		}, nil
	}
	defer upstream.Body.Close()

	meta := cache.Meta{Status: upstream.StatusCode, Header: upstream.Header.Clone()}
	if _, err := m.bucket.Put(ctx, req.URL, meta, upstream.Body); err != nil {
		m.deps.Logger.WithError(err).
			WithFields(logging.RequestFields(m.opts.Site, m.opts.Origin.Host, m.opts.Version, string(SourceNetwork), false)).
			Warn("cache_store_failed")
		return nil, &FetchError{URL: req.URL.String(), Err: err}
	}
	stored := m.match(ctx, req.URL, SourceNetwork)
	if stored == nil {
		return nil, &FetchError{URL: req.URL.String(), Err: cache.ErrNotFound}
	}
	return stored, nil
}

// finish 为 HEAD 请求丢弃正文，保留长度信息。
func (m *Manager) finish(req *Request, resp *Response) *Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if req.Method == http.MethodHead && resp.Body != nil {
		resp.Body.Close()
		resp.Body = nil
	}
	return resp
}

var refreshStrippedHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range", "Range"}

// startRefresh 在后台回源并覆盖该请求的缓存条目，不阻塞响应；
// 失败被静默吞掉，只留下 debug 日志与指标。
func (m *Manager) startRefresh(req *Request) {
	target := *req.URL
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// 刷新需要完整的 200 响应，条件请求与 Range 头会让 origin 返回 304/206。
	for _, key := range refreshStrippedHeaders {
		header.Del(key)
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
		defer cancel()

		result, err := m.refresh(ctx, &Request{Method: http.MethodGet, URL: &target, Header: header})
		m.deps.Observer.RefreshSettled(m.opts.Site, result)
		if err != nil {
			m.deps.Logger.WithError(err).
				WithFields(logging.RequestFields(m.opts.Site, m.opts.Origin.Host, m.opts.Version, string(SourceNetwork), false)).
				WithField("url", target.String()).
				Debug("refresh_failed")
		}
	}()
}

func (m *Manager) refresh(ctx context.Context, req *Request) (string, error) {
	resp, err := m.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return "failed", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "skipped", nil
	}
	meta := cache.Meta{Status: resp.StatusCode, Header: resp.Header.Clone()}
	if _, err := m.bucket.Put(ctx, req.URL, meta, resp.Body); err != nil {
		return "failed", err
	}
	return "stored", nil
}

// Drain 等待全部后台刷新结束或 ctx 到期。
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire 将版本标记为 redundant，由 Registration 在新版本接管后调用。
func (m *Manager) retire() {
	m.setState(StateRedundant)
	m.logLifecycle("version_redundant", logrus.InfoLevel, nil)
}

func (m *Manager) logLifecycle(action string, level logrus.Level, extra logrus.Fields) {
	fields := logging.LifecycleFields(action, m.opts.Site, m.opts.Version, m.State().String())
	for k, v := range extra {
		fields[k] = v
	}
	m.deps.Logger.WithFields(fields).Log(level, action)
}
