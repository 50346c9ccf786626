package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkclock/tagcache/internal/logging"
)

// NewStore 以 opts.Dir 为根目录构建磁盘缓存，由组合根创建一次并注入各服务。
func NewStore(opts Options) (Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	if opts.DefaultExpire <= 0 {
		opts.DefaultExpire = DefaultExpire
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.ScanWorkers <= 0 {
		opts.ScanWorkers = DefaultScanWorkers
	}
	if opts.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.Logger = discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	paths := pathResolver{root: abs}
	lock := newIndexLock(paths.lockPath(), opts.LockTimeout)

	return &fileStore{
		root:          abs,
		paths:         paths,
		indexLock:     lock,
		index:         newTagIndex(paths.indexPath(), lock, opts.Logger),
		keys:          newKeyLocks(opts.LockTimeout),
		stats:         NewStatsCollector(),
		logger:        opts.Logger,
		now:           opts.Now,
		scanWorkers:   opts.ScanWorkers,
		defaultExpire: opts.DefaultExpire,
		compress:      opts.Compress && opts.Compression != CompressionNone,
		compression:   opts.Compression,
	}, nil
}

// fileStore 通过 keyLocks 串行化同一 key 的写入/删除，通过 indexLock 保护 tag 索引。
type fileStore struct {
	root        string
	paths       pathResolver
	indexLock   *indexLock
	index       *TagIndex
	keys        *keyLocks
	stats       *StatsCollector
	logger      logrus.FieldLogger
	now         func() time.Time
	scanWorkers int

	mu            sync.RWMutex
	defaultExpire time.Duration
	compress      bool
	compression   Compression
}

func (s *fileStore) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	tags := normalizeTags(o.tags)

	s.mu.RLock()
	ttl := o.ttl
	if ttl <= 0 {
		ttl = s.defaultExpire
	}
	flag := CompressionNone
	if s.compress {
		flag = s.compression
	}
	s.mu.RUnlock()

	unlock, err := s.keys.lock(ctx, key)
	if err != nil {
		s.logFailure("set", key, err)
		return err
	}
	defer unlock()

	loc := s.paths.resolve(key)
	priorTags := s.priorTags(loc.File, key)

	now := s.now()
	data, err := EncodeRecord(Record{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpireAt:  expireAt(now, ttl),
		Tags:      tags,
	}, flag)
	if err != nil {
		s.logFailure("set", key, err)
		return err
	}

	if err := writeFileAtomic(loc.File, data); err != nil {
		err = fmt.Errorf("%w: write record: %v", ErrStorageIO, err)
		s.logFailure("set", key, err)
		return err
	}

	if err := s.index.Replace(ctx, key, priorTags, tags); err != nil {
		// 索引未能更新时撤销记录，避免留下无法按 tag 失效的条目。
		if rmErr := os.Remove(loc.File); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logFailure("set_rollback", key, rmErr)
		}
		s.logFailure("set", key, err)
		return err
	}

	s.stats.Write()

	fields := logging.CacheFields("set", key)
	fields["ttl"] = ttl.String()
	fields["tags"] = tags
	fields["compression"] = flag.String()
	s.logger.WithFields(fields).Debug("cache set")
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		s.stats.Miss()
		return nil, ErrNotFound
	}

	loc := s.paths.resolve(key)
	data, err := os.ReadFile(loc.File)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logFailure("get", key, fmt.Errorf("%w: %v", ErrStorageIO, err))
		}
		return s.miss(key, "absent")
	}

	header, err := DecodeHeader(data)
	if err != nil {
		s.purgeCorrupt(ctx, key, loc.File)
		return s.miss(key, "corrupt")
	}
	if header.Key != key {
		return s.miss(key, "key_mismatch")
	}
	if header.Expired(s.now()) {
		if _, err := s.remove(ctx, key, expiredOnly(s.now)); err != nil {
			s.logFailure("get_expire", key, err)
		}
		return s.miss(key, "expired")
	}

	rec, err := decodePayload(header, data)
	if err != nil {
		s.purgeCorrupt(ctx, key, loc.File)
		return s.miss(key, "corrupt")
	}

	s.stats.Hit()
	s.logger.WithFields(logging.CacheFields("get", key)).Debug("cache hit")
	return rec.Value, nil
}

func (s *fileStore) Has(ctx context.Context, key string) bool {
	_, err := s.Get(ctx, key)
	return err == nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		s.stats.Delete()
		return nil
	}
	removed, err := s.remove(ctx, key, nil)
	if err != nil {
		return err
	}
	// 不存在的 key 同样算一次成功删除；实际删除时 remove 已计数。
	if !removed {
		s.stats.Delete()
	}
	return nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	// 根目录需先存在，锁文件才能创建
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		err = fmt.Errorf("%w: recreate cache dir: %v", ErrStorageIO, err)
		s.logFailure("clear", "", err)
		return err
	}

	release, err := s.indexLock.acquire(ctx)
	if err != nil {
		s.logFailure("clear", "", err)
		return err
	}
	defer release()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		err = fmt.Errorf("%w: list cache dir: %v", ErrStorageIO, err)
		s.logFailure("clear", "", err)
		return err
	}

	var errs []error
	for _, entry := range entries {
		// 锁文件保留：其他进程可能正持有它，删除会让两个进程各锁一个 inode。
		if entry.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.index.save(newTagDocument()); err != nil {
		errs = append(errs, err)
	}
	s.stats.Reset()

	if len(errs) > 0 {
		err := fmt.Errorf("%w: clear: %v", ErrStorageIO, errors.Join(errs...))
		s.logFailure("clear", "", err)
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"action":    "clear",
		"cache_dir": s.root,
	}).Info("cache cleared")
	return nil
}

func (s *fileStore) FlushByTags(ctx context.Context, tags ...string) (int, error) {
	tags = normalizeTags(tags)
	if len(tags) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, tag := range tags {
		tagged, err := s.index.KeysForTag(tag)
		if err != nil {
			s.logFailure("flush", "", err)
			return 0, err
		}
		for _, key := range tagged {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	removed := 0
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		// 只删除当前仍携带这些 tag 的记录；索引中的悬挂/过时引用视为 no-op。
		ok, err := s.remove(ctx, key, func(h Header, decodeErr error) bool {
			return decodeErr != nil || hasAnyTag(h.Tags, tags)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	if err := s.index.RemoveTags(ctx, tags); err != nil {
		errs = append(errs, err)
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "flush",
		"tags":    tags,
		"keys":    len(keys),
		"removed": removed,
	}).Info("cache flushed by tags")

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logFailure("flush", "", err)
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) Warmup(ctx context.Context, items map[string]WarmupItem) int {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	written := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		item := items[key]
		if err := s.Set(ctx, key, item.Value, WithTTL(item.TTL), WithTags(item.Tags...)); err != nil {
			continue
		}
		written++
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "warmup",
		"items":   len(items),
		"written": written,
	}).Info("cache warmed up")
	return written
}

func (s *fileStore) TagKeys(tag string) ([]string, error) {
	return s.index.KeysForTag(tag)
}

func (s *fileStore) SetDefaultExpire(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultExpire = ttl
	s.mu.Unlock()
}

// SetCompress 切换之后写入的压缩；算法为 none 时开启无效。
func (s *fileStore) SetCompress(enabled bool) {
	s.mu.Lock()
	s.compress = enabled && s.compression != CompressionNone
	s.mu.Unlock()
}

func (s *fileStore) Collector() *StatsCollector {
	return s.stats
}

// remove 删除 key 对应的记录。shouldRemove 为 nil 时无条件删除；返回是否确实删除了文件。
// 索引更新失败不会阻止删除：残留的悬挂引用在后续 flush 中按 no-op 处理。
func (s *fileStore) remove(ctx context.Context, key string, shouldRemove func(Header, error) bool) (bool, error) {
	unlock, err := s.keys.lock(ctx, key)
	if err != nil {
		s.logFailure("delete", key, err)
		return false, err
	}
	defer unlock()

	loc := s.paths.resolve(key)
	data, err := os.ReadFile(loc.File)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		err = fmt.Errorf("%w: read record: %v", ErrStorageIO, err)
		s.logFailure("delete", key, err)
		return false, err
	}

	header, decodeErr := DecodeHeader(data)
	if decodeErr == nil && header.Key != key {
		// 摘要冲突：文件属于另一个 key，保持不动。
		return false, nil
	}
	if shouldRemove != nil && !shouldRemove(header, decodeErr) {
		return false, nil
	}

	var tags []string
	if decodeErr == nil {
		tags = header.Tags
	}
	if decodeErr != nil || len(tags) > 0 {
		if err := s.index.Disassociate(ctx, key, tags); err != nil {
			s.logFailure("delete_untag", key, err)
		}
	}

	if err := os.Remove(loc.File); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		err = fmt.Errorf("%w: remove record: %v", ErrStorageIO, err)
		s.logFailure("delete", key, err)
		return false, err
	}

	s.stats.Delete()
	s.logger.WithFields(logging.CacheFields("delete", key)).Debug("cache delete")
	return true, nil
}

// priorTags 读取旧记录的 tag；旧记录缺失、损坏或属于其他 key 时返回 nil。
func (s *fileStore) priorTags(file, key string) []string {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil
	}
	header, err := DecodeHeader(data)
	if err != nil || header.Key != key {
		return nil
	}
	return header.Tags
}

// purgeCorrupt 在持有 key 锁后复查，只删除仍然无法解码的文件。
func (s *fileStore) purgeCorrupt(ctx context.Context, key, file string) {
	removed, err := s.remove(ctx, key, func(h Header, decodeErr error) bool {
		if decodeErr != nil {
			return true
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return false
		}
		_, err = DecodeRecord(data)
		return err != nil
	})
	if err != nil {
		s.logFailure("purge", key, err)
		return
	}
	if removed {
		s.logger.WithFields(logging.CacheFields("purge", key)).Warn("corrupt cache record purged")
	}
}

func (s *fileStore) miss(key, reason string) ([]byte, error) {
	s.stats.Miss()
	fields := logging.CacheFields("get", key)
	fields["reason"] = reason
	s.logger.WithFields(fields).Debug("cache miss")
	return nil, ErrNotFound
}

func (s *fileStore) logFailure(action, key string, err error) {
	fields := logging.CacheFields(action, key)
	fields["error"] = err.Error()
	s.logger.WithFields(fields).Warn("cache operation failed")
}

// expireAt 将超出记录头表示范围的过期时间截断为最大可表示时间。
func expireAt(now time.Time, ttl time.Duration) time.Time {
	at := now.Add(ttl)
	if at.After(maxRecordTime) || at.Before(now) {
		return maxRecordTime
	}
	return at
}

func expiredOnly(now func() time.Time) func(Header, error) bool {
	return func(h Header, decodeErr error) bool {
		return decodeErr == nil && h.Expired(now())
	}
}
