package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/pwa-cache/internal/fetch"
)

const (
	bucketsDir   = "buckets"
	bucketMarker = ".bucket"
	entrySuffix  = ".entry"
)

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 磁盘布局：
//
//	<StoragePath>/buckets/<escaped name>/.bucket                     # 创建时间标记
//	<StoragePath>/buckets/<escaped name>/<sha256>/<variant>.entry    # 元数据 JSON 行 + 正文
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, bucketsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsStorage{
		root:  root,
		locks: make(map[string]*entryLock),
		now:   time.Now,
	}, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入；lifecycle 锁保证删除桶时没有写入在途。
type fsStorage struct {
	root string
	now  func() time.Time

	lifecycle sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fsStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	marker := filepath.Join(dir, bucketMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		stamp := s.now().UTC().Format(time.RFC3339Nano)
		if err := os.WriteFile(marker, []byte(stamp), 0o644); err != nil {
			return nil, fmt.Errorf("create bucket marker: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	return &fsBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Lookup(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	if !s.exists(dir) {
		return nil, ErrBucketNotFound
	}
	return &fsBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	return s.exists(dir), nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.exists(dir) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	type bucketInfo struct {
		name    string
		created time.Time
	}
	infos := make([]bucketInfo, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name, err := url.PathUnescape(d.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, d.Name(), bucketMarker))
		if err != nil {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
		infos = append(infos, bucketInfo{name: name, created: created})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].created.Equal(infos[j].created) {
			return infos[i].name < infos[j].name
		}
		return infos[i].created.Before(infos[j].created)
	})

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.name
	}
	return names, nil
}

func (s *fsStorage) Close() error {
	return nil
}

func (s *fsStorage) bucketDir(name string) (string, error) {
	if err := validateBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, url.PathEscape(name))
	if filepath.Dir(dir) != s.root {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return dir, nil
}

func (s *fsStorage) exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, bucketMarker))
	return err == nil
}

func (s *fsStorage) lockEntry(key string) func() {
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

type fsBucket struct {
	storage *fsStorage
	name    string
	dir     string
}

func (b *fsBucket) Name() string {
	return b.name
}

func (b *fsBucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identity, err := requestIdentity(req)
	if err != nil {
		return nil, ErrNotFound
	}

	b.storage.lifecycle.RLock()
	defer b.storage.lifecycle.RUnlock()

	variants, err := b.variants(identity)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if !v.rec.matches(req) {
			continue
		}
		rec, body, err := readEntryFile(v.path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec.response(body), nil
	}
	return nil, ErrNotFound
}

// Put 写入新变体后，删除同一 URL 下与本次请求在 Vary 上匹配的旧变体。
func (b *fsBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	identity, err := checkPut(req, resp)
	if err != nil {
		return err
	}
	rec := newRecord(req, resp, b.storage.now())
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	b.storage.lifecycle.RLock()
	defer b.storage.lifecycle.RUnlock()

	if !b.storage.exists(b.dir) {
		return ErrBucketDeleted
	}

	unlock := b.storage.lockEntry(b.name + "::" + identity)
	defer unlock()

	previous, err := b.variants(identity)
	if err != nil {
		return err
	}

	dir := b.identityDir(identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(meta), strings.NewReader("\n"), bytes.NewReader(resp.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	target := filepath.Join(dir, variantKey(rec.Vary)+entrySuffix)
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	for _, v := range previous {
		if v.path != target && v.rec.matches(req) {
			if err := os.Remove(v.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

// Delete 删除与请求在 Vary 上匹配的全部变体。
func (b *fsBucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	identity, err := requestIdentity(req)
	if err != nil {
		return false, nil
	}

	b.storage.lifecycle.RLock()
	defer b.storage.lifecycle.RUnlock()

	unlock := b.storage.lockEntry(b.name + "::" + identity)
	defer unlock()

	variants, err := b.variants(identity)
	if err != nil {
		return false, err
	}
	deleted := false
	for _, v := range variants {
		if !v.rec.matches(req) {
			continue
		}
		if err := os.Remove(v.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return deleted, err
		}
		deleted = true
	}
	// 目录非空时删除失败，忽略即可。
	_ = os.Remove(b.identityDir(identity))
	return deleted, nil
}

func (b *fsBucket) Keys(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.storage.lifecycle.RLock()
	defer b.storage.lifecycle.RUnlock()

	dirs, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.dir, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), entrySuffix) {
				continue
			}
			rec, err := readEntryMeta(filepath.Join(b.dir, d.Name(), f.Name()))
			if err != nil {
				continue
			}
			entries = append(entries, rec.entry())
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	return entries, nil
}

// variantFile 是同一请求身份下的一个变体。
type variantFile struct {
	path string
	rec  record
}

// variants 按写入时间返回请求身份下的全部变体，调用方需持有 lifecycle 读锁。
func (b *fsBucket) variants(identity string) ([]variantFile, error) {
	dir := b.identityDir(identity)
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	result := make([]variantFile, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), entrySuffix) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		rec, err := readEntryMeta(path)
		if err != nil || rec.URL == "" {
			continue
		}
		result = append(result, variantFile{path: path, rec: rec})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].rec.StoredAt.Before(result[j].rec.StoredAt)
	})
	return result, nil
}

func (b *fsBucket) identityDir(identity string) string {
	return filepath.Join(b.dir, entryKey(identity))
}

func readEntryFile(path string) (record, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record{}, nil, ErrNotFound
		}
		return record{}, nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	rec, err := decodeMetaLine(reader)
	if err != nil {
		return record{}, nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return record{}, nil, err
	}
	return rec, body, nil
}

func readEntryMeta(path string) (record, error) {
	f, err := os.Open(path)
	if err != nil {
		return record{}, err
	}
	defer f.Close()
	return decodeMetaLine(bufio.NewReader(f))
}

func decodeMetaLine(reader *bufio.Reader) (record, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return record{}, fmt.Errorf("read cache record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("decode cache record: %w", err)
	}
	return rec, nil
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
