package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrInstallAborted 表示安装被取消或被更新的版本取代，该版本永远不会激活。
	ErrInstallAborted = errors.New("install aborted")
	// ErrNotInstalled 表示在未完成安装的版本上调用了 Activate。
	ErrNotInstalled = errors.New("worker version not installed")
	// ErrInvalidState 表示生命周期方法的调用顺序不合法。
	ErrInvalidState = errors.New("invalid worker state")
)

// FetchError 描述预缓存或前台回源时的单个资源失败。
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
