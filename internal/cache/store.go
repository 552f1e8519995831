package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理一个站点下全部缓存桶的读写。磁盘布局遵循：
//
//	<StoragePath>/<Site>/<Bucket>/<path>.body        # 实际正文
//	<StoragePath>/<Site>/<Bucket>/<path>.meta.json   # 状态码与响应头
//
// 以 "." 开头的桶名保留给安装阶段的暂存区，Keys 不会返回它们。
type Store interface {
	// Open 打开（不存在则创建）指定的缓存桶。
	Open(ctx context.Context, bucket string) error

	// Match 按精确键查找缓存条目。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入或覆盖条目。桶必须已通过 Open 创建，否则返回 ErrBucketNotFound，
	// 避免被删除的旧桶被迟到的写入重新创建。
	Put(ctx context.Context, locator Locator, meta Meta, body io.Reader) (*Entry, error)

	// Remove 删除单个条目，条目不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Keys 返回所有可见桶名（按字典序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个桶，返回桶此前是否存在。
	Delete(ctx context.Context, bucket string) (bool, error)

	// Promote 将暂存桶 from 的全部条目并入 to，并删除 from。
	Promote(ctx context.Context, from, to string) error
}

// Locator 唯一定位一个缓存条目（桶 + 请求键），请求键为 URL 路径风格。
type Locator struct {
	Bucket string
	Path   string
}

// Meta 描述随正文一起保存的响应元数据。
type Meta struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及响应元数据。
type Entry struct {
	Locator   Locator     `json:"locator"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	ModTime   time.Time   `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示目标桶尚未打开或已被删除。
	ErrBucketNotFound = errors.New("cache bucket not found")
)
