package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
)

// ErrStoreUnavailable 表示当前 worker 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Bucket 是已打开缓存桶的句柄，以请求 URL 作为键完成读写，
// 调用方无需关心 Locator 的拼装细节。
type Bucket struct {
	store Store
	name  string
}

// OpenBucket 打开（必要时创建）名为 name 的桶并返回句柄。
func OpenBucket(ctx context.Context, store Store, name string) (Bucket, error) {
	if store == nil {
		return Bucket{}, ErrStoreUnavailable
	}
	if err := store.Open(ctx, name); err != nil {
		return Bucket{}, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return Bucket{store: store, name: name}, nil
}

// BucketHandle 返回不触发创建的句柄，桶不存在时 Put 会返回 ErrBucketNotFound。
func BucketHandle(store Store, name string) Bucket {
	return Bucket{store: store, name: name}
}

// Name 返回桶名（即版本标签或暂存名）。
func (b Bucket) Name() string {
	return b.name
}

// Enabled 返回当前是否具备缓存读写能力。
func (b Bucket) Enabled() bool {
	return b.store != nil && b.name != ""
}

// Match 查找 u 对应的条目。
func (b Bucket) Match(ctx context.Context, u *url.URL) (*ReadResult, error) {
	if !b.Enabled() {
		return nil, ErrStoreUnavailable
	}
	return b.store.Match(ctx, LocatorFor(b.name, u))
}

// Put 写入或覆盖 u 对应的条目。
func (b Bucket) Put(ctx context.Context, u *url.URL, meta Meta, body io.Reader) (*Entry, error) {
	if !b.Enabled() {
		return nil, ErrStoreUnavailable
	}
	return b.store.Put(ctx, LocatorFor(b.name, u), meta, body)
}

// LocatorFor 将请求 URL 转换为缓存键：路径保持原样（含结尾 /），
// query 以 sha1 摘要追加为 /__qs/<digest>，保证不同 query 互不覆盖。
func LocatorFor(bucket string, u *url.URL) Locator {
	clean := "/"
	var rawQuery string
	if u != nil {
		rawQuery = u.RawQuery
		if p := u.EscapedPath(); p != "" {
			clean = p
		}
	}
	trailing := len(clean) > 1 && clean[len(clean)-1] == '/'
	clean = path.Clean("/" + clean)
	if trailing {
		clean += "/"
	}
	if rawQuery != "" {
		if trailing {
			clean += indexName
		}
		sum := sha1.Sum([]byte(rawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return Locator{Bucket: bucket, Path: clean}
}
