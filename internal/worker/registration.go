package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/precache/internal/logging"
)

// Registration 管理一个站点的全部 worker 版本：同一时刻至多一个 active 版本、
// 至多一个 installing 版本。新版本安装期间旧版本继续接管请求；安装失败时旧版本保持控制。
type Registration struct {
	site string
	deps Deps

	// updateMu 串行化 install→activate，防止旧版本的激活清理删掉新版本刚写入的桶。
	updateMu sync.Mutex

	mu            sync.RWMutex
	active        *Manager
	installing    *Manager
	cancelInstall context.CancelFunc
	pending       *Options
	generation    uint64
	retired       []*Manager
}

// Status 是诊断接口输出的注册状态快照。
type Status struct {
	Site              string   `json:"site"`
	ActiveVersion     string   `json:"active_version,omitempty"`
	ActiveState       string   `json:"active_state,omitempty"`
	InstallingVersion string   `json:"installing_version,omitempty"`
	ManifestSize      int      `json:"manifest_size"`
	Buckets           []string `json:"buckets"`
}

// NewRegistration 为站点创建空注册；首次 Update 成功前所有请求都不被接管。
func NewRegistration(site string, deps Deps) (*Registration, error) {
	withDefaults, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Registration{site: site, deps: withDefaults}, nil
}

// Site 返回站点名称。
func (r *Registration) Site() string {
	return r.site
}

// Active 返回当前接管请求的版本，尚未激活任何版本时为 nil。
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Update 安装并激活 opts 描述的版本。若已有更新的 Update 开始，当前安装被放弃
// 并返回 ErrInstallAborted。opts 与 active 版本或进行中的 Update 等价时直接返回，
// 不打断进行中的安装，其结果由发起它的 Update 报告。
func (r *Registration) Update(ctx context.Context, opts Options) error {
	normalized, normErr := opts.normalized()

	r.mu.Lock()
	if normErr == nil && r.coveredLocked(normalized) {
		r.mu.Unlock()
		return nil
	}
	if r.cancelInstall != nil {
		r.cancelInstall()
	}
	installCtx, cancel := context.WithCancel(ctx)
	r.cancelInstall = cancel
	r.generation++
	gen := r.generation
	r.pending = nil
	if normErr == nil {
		r.pending = &normalized
	}
	r.mu.Unlock()
	defer cancel()
	defer func() {
		r.mu.Lock()
		if r.generation == gen {
			r.pending = nil
		}
		r.mu.Unlock()
	}()

	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if installCtx.Err() != nil {
		return fmt.Errorf("%w: superseded before install started", ErrInstallAborted)
	}
	if current := r.Active(); current != nil && normErr == nil && current.Options().Equal(normalized) {
		return nil
	}

	next, err := NewManager(opts, r.deps)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.installing = next
	r.mu.Unlock()

	installErr := next.Install(installCtx)

	r.mu.Lock()
	if r.installing == next {
		r.installing = nil
	}
	if installErr != nil {
		active := r.active
		r.mu.Unlock()
		if errors.Is(installErr, ErrInstallAborted) {
			// 合并式 Promote 可能在取消前已移入部分条目。
			r.discardPromoted(next, active)
		}
		return installErr
	}
	if gen != r.generation {
		active := r.active
		r.mu.Unlock()
		next.retire()
		r.discardPromoted(next, active)
		return fmt.Errorf("%w: superseded by a newer version", ErrInstallAborted)
	}
	previous := r.active
	r.active = next
	if previous != nil {
		r.retired = append(r.retired, previous)
	}
	r.mu.Unlock()

	// 新版本先接管（clients.claim）再清理旧桶，避免请求落到已删除的桶上。
	if err := next.Activate(ctx); err != nil {
		return err
	}

	previousVersion := ""
	if previous != nil {
		previousVersion = previous.Version()
		previous.retire()
	}
	r.deps.Observer.VersionActivated(r.site, previousVersion, next.Version())
	r.deps.Logger.WithFields(logging.LifecycleFields("version_activated", r.site, next.Version(), next.State().String())).
		WithField("previous_version", previousVersion).
		Info("version_activated")
	return nil
}

// coveredLocked 判断 opts 是否已由进行中的 Update 或 active 版本覆盖，调用方持有 r.mu。
func (r *Registration) coveredLocked(opts Options) bool {
	if r.pending != nil {
		return r.pending.Equal(opts)
	}
	return r.active != nil && r.active.Options().Equal(opts)
}

// discardPromoted 删除被取代的安装已经并入的版本桶；与 active 同名的桶保留。
func (r *Registration) discardPromoted(abandoned, active *Manager) {
	if active != nil && active.Version() == abandoned.Version() {
		return
	}
	fields := logging.LifecycleFields("bucket_discard", r.site, abandoned.Version(), abandoned.State().String())
	if _, err := r.deps.Store.Delete(context.Background(), abandoned.Version()); err != nil {
		r.deps.Observer.BucketDeleted(r.site, "failed")
		r.deps.Logger.WithError(err).WithFields(fields).Warn("bucket_delete_failed")
		return
	}
	r.deps.Logger.WithFields(fields).Debug("superseded_bucket_discarded")
}

// Intercept 将请求交给 active 版本；没有 active 版本时请求不被接管。
func (r *Registration) Intercept(ctx context.Context, req *Request) (*Response, bool, error) {
	active := r.Active()
	if active == nil {
		return nil, false, nil
	}
	return active.Intercept(ctx, req)
}

// Reactivate 在不安装新版本的前提下重跑 active 版本的桶清理，
// 用于重试上次激活时删除失败的旧桶。
func (r *Registration) Reactivate(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	active := r.Active()
	if active == nil {
		return ErrNotInstalled
	}
	return active.Activate(ctx)
}

// Status 返回当前注册状态与磁盘上可见的桶列表。
func (r *Registration) Status(ctx context.Context) Status {
	r.mu.RLock()
	active := r.active
	installing := r.installing
	r.mu.RUnlock()

	status := Status{Site: r.site}
	if active != nil {
		status.ActiveVersion = active.Version()
		status.ActiveState = active.State().String()
		status.ManifestSize = len(active.Options().Manifest)
	}
	if installing != nil {
		status.InstallingVersion = installing.Version()
	}
	buckets, err := r.deps.Store.Keys(ctx)
	if err != nil {
		r.deps.Logger.WithError(err).WithField("site", r.site).Warn("bucket_list_failed")
	}
	status.Buckets = buckets
	return status
}

// Drain 等待 active 与已退役版本的后台刷新结束，用于优雅退出。
func (r *Registration) Drain(ctx context.Context) error {
	r.mu.Lock()
	managers := append([]*Manager(nil), r.retired...)
	if r.active != nil {
		managers = append(managers, r.active)
	}
	r.retired = nil
	r.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		r.deps.Logger.WithFields(logrus.Fields{"site": r.site, "pending": len(errs)}).Warn("drain_incomplete")
	}
	return errors.Join(errs...)
}
