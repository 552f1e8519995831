package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
	indexName  = "__index__"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，每个站点一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入；buckets 读写锁保证
// Delete/Promote 与条目写入互斥，删除后的桶不会被写入重新创建。
type fileStore struct {
	basePath string

	buckets sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return err
	}

	s.buckets.Lock()
	defer s.buckets.Unlock()
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Match(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	meta := readMeta(metaPathFor(bodyPath))
	modTime := meta.StoredAt
	if modTime.IsZero() {
		modTime = info.ModTime()
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: info.Size(),
		Status:    meta.Status,
		Header:    meta.Header,
		ModTime:   modTime,
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, meta Meta, body io.Reader) (*Entry, error) {
	s.buckets.RLock()
	defer s.buckets.RUnlock()

	bucketDir, err := s.bucketPath(locator.Bucket)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(bucketDir); err != nil || !info.IsDir() {
		return nil, ErrBucketNotFound
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	if meta.Status == 0 {
		meta.Status = 200
	}
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}

	written, err := writeAtomic(bodyPath, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if _, err := writeAtomic(metaPathFor(bodyPath), func(w io.Writer) (int64, error) {
		n, err := w.Write(encoded)
		return int64(n), err
	}); err != nil {
		return nil, err
	}

	if err := os.Chtimes(bodyPath, meta.StoredAt, meta.StoredAt); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: written,
		Status:    meta.Status,
		Header:    meta.Header,
		ModTime:   meta.StoredAt,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{bodyPath, metaPathFor(bodyPath)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.buckets.RLock()
	defer s.buckets.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketPath(bucket)
	if err != nil {
		return false, err
	}

	s.buckets.Lock()
	defer s.buckets.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Promote(ctx context.Context, from, to string) error {
	fromDir, err := s.bucketPath(from)
	if err != nil {
		return err
	}
	toDir, err := s.bucketPath(to)
	if err != nil {
		return err
	}

	s.buckets.Lock()
	defer s.buckets.Unlock()

	if _, err := os.Stat(fromDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketNotFound
		}
		return err
	}

	if _, err := os.Stat(toDir); errors.Is(err, fs.ErrNotExist) {
		return os.Rename(fromDir, toDir)
	}

	err = filepath.WalkDir(fromDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(fromDir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(toDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Rename(p, target)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(fromDir)
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) bucketPath(bucket string) (string, error) {
	if bucket == "" {
		return "", errors.New("bucket name required")
	}
	if bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("invalid bucket name: %s", bucket)
	}
	return filepath.Join(s.basePath, bucket), nil
}

// entryPath 将请求键映射为 <bucket>/<rel>.body；目录形式的路径（以 / 结尾）
// 落到 <rel>/__index__.body，避免与同名文件冲突。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	bucketDir, err := s.bucketPath(locator.Bucket)
	if err != nil {
		return "", err
	}

	raw := locator.Path
	if raw == "" {
		raw = "/"
	}
	rel := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if strings.HasSuffix(raw, "/") {
		rel = path.Join(rel, indexName)
	}
	if rel == "" {
		rel = indexName
	}

	bodyPath := filepath.Join(bucketDir, filepath.FromSlash(rel)+bodySuffix)
	if !strings.HasPrefix(bodyPath, bucketDir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return bodyPath, nil
}

func metaPathFor(bodyPath string) string {
	return strings.TrimSuffix(bodyPath, bodySuffix) + metaSuffix
}

func readMeta(metaPath string) Meta {
	meta := Meta{Status: 200}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Status == 0 {
		meta.Status = 200
	}
	return meta
}

// writeAtomic 先写入同目录临时文件再 rename，失败时清理临时文件。
func writeAtomic(target string, fill func(io.Writer) (int64, error)) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := fill(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Bucket + "::" + locator.Path
}
