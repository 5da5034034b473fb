package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/any-hub/pwa-cache/internal/fetch"
)

// Storage 对应平台的 CacheStorage：按名称打开、枚举与删除缓存桶。
type Storage interface {
	// Open 返回名为 name 的缓存桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Lookup 返回已存在的缓存桶，不存在时返回 ErrBucketNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除缓存桶及其全部条目，返回删除前是否存在。删除不可恢复。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部缓存桶名称。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 对应平台的 Cache：请求身份到响应的映射。
type Bucket interface {
	Name() string

	// Match 返回与请求匹配的已存响应，未命中返回 ErrNotFound。非 GET 请求永不命中。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

	// Put 以请求身份写入响应并替换旧条目。单个键的写入是原子的。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error

	// Delete 删除请求对应的条目，返回删除前是否存在。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)

	// Keys 返回桶内全部条目的摘要。
	Keys(ctx context.Context) ([]Entry, error)
}

// Entry 是条目的摘要信息，用于诊断输出。
type Entry struct {
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status"`
	SizeBytes  int64     `json:"size_bytes"`
	StoredAt   time.Time `json:"stored_at"`
}

// Stats 汇总桶内条目数量与正文体积。
type Stats struct {
	Entries   int
	SizeBytes int64
}

// BucketStats 遍历 Keys 计算统计信息。
func BucketStats(ctx context.Context, bucket Bucket) (Stats, error) {
	entries, err := bucket.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Entries: len(entries)}
	for _, entry := range entries {
		stats.SizeBytes += entry.SizeBytes
	}
	return stats, nil
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示仅 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrUncacheableResponse 表示响应本身不允许写入（206、Vary: * 等）。
	ErrUncacheableResponse = errors.New("response cannot be cached")
	// ErrBucketNotFound 表示缓存桶不存在。
	ErrBucketNotFound = errors.New("cache bucket not found")
	// ErrBucketDeleted 表示写入时缓存桶已被删除。
	ErrBucketDeleted = errors.New("cache bucket deleted")
	// ErrInvalidBucketName 表示桶名称为空或不能安全落盘。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
)

// NewStorage 根据驱动名构建存储，basePath 为 StoragePath。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewFSStorage(basePath)
	case "sqlite":
		if basePath == "" {
			return nil, errors.New("storage path required")
		}
		storage, err := NewSQLiteStorage(filepath.Join(basePath, "cache.db"))
		if err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func validateBucketName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return nil
}
