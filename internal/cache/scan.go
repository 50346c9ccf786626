package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// staleTempAge 超过该时长的临时文件视为写入中途崩溃遗留，可以清理。
const staleTempAge = time.Hour

// ClearExpired 扫描所有分片目录，删除过期与无法解码的记录，并清理遗留临时文件。
// 这是 O(n) 的维护操作，应由定时任务或管理接口调用。
func (s *fileStore) ClearExpired(ctx context.Context) (int, error) {
	start := s.now()
	var purged atomic.Int64

	err := s.walkRecords(ctx, func(path string, entry fs.DirEntry) error {
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			s.removeStaleTemp(path, entry)
			return nil
		}
		if !strings.HasSuffix(name, recordExt) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logFailure("sweep", "", fmt.Errorf("%w: %v", ErrStorageIO, err))
			}
			return nil
		}

		header, err := DecodeHeader(data)
		if err != nil {
			if s.removeCorruptFile(path) {
				purged.Add(1)
			}
			return nil
		}
		if !header.Expired(s.now()) {
			return nil
		}

		removed, err := s.remove(ctx, header.Key, expiredOnly(s.now))
		if err != nil {
			return nil
		}
		if removed {
			purged.Add(1)
		}
		return nil
	})

	count := int(purged.Load())
	s.logger.WithFields(logrus.Fields{
		"action":   "sweep",
		"purged":   count,
		"duration": s.now().Sub(start).String(),
	}).Info("expired cache records purged")
	return count, err
}

// Stats 返回计数器、命中率以及磁盘上的记录数量与总大小。
func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	var count, size atomic.Int64
	err := s.walkRecords(ctx, func(_ string, entry fs.DirEntry) error {
		if !strings.HasSuffix(entry.Name(), recordExt) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			// 扫描期间被删除
			return nil
		}
		count.Add(1)
		size.Add(info.Size())
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	tagCount, err := s.index.TagCount()
	if err != nil {
		return Stats{}, err
	}

	s.mu.RLock()
	defaultExpire := s.defaultExpire
	compress := s.compress
	compression := s.compression
	s.mu.RUnlock()

	counters := s.stats.Snapshot()
	return Stats{
		Counters:      counters,
		HitRate:       counters.HitRate(),
		CacheCount:    count.Load(),
		CacheSize:     size.Load(),
		TagCount:      tagCount,
		CacheDir:      s.root,
		DefaultExpire: int64(defaultExpire / time.Second),
		Compress:      compress,
		Compression:   compression.String(),
	}, nil
}

// walkRecords 并行遍历分片目录，visit 可能被多个 goroutine 同时调用。
func (s *fileStore) walkRecords(ctx context.Context, visit func(path string, entry fs.DirEntry) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: list cache dir: %v", ErrStorageIO, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanWorkers)
	for _, shard := range shards {
		if !shard.IsDir() || !isShardDir(shard.Name()) {
			continue
		}
		dir := filepath.Join(s.root, shard.Name())
		g.Go(func() error {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return fmt.Errorf("%w: list shard %s: %v", ErrStorageIO, dir, err)
			}
			for _, entry := range entries {
				if err := gctx.Err(); err != nil {
					return err
				}
				if entry.IsDir() {
					continue
				}
				if err := visit(filepath.Join(dir, entry.Name()), entry); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *fileStore) removeStaleTemp(path string, entry fs.DirEntry) {
	info, err := entry.Info()
	if err != nil || s.now().Sub(info.ModTime()) < staleTempAge {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logFailure("sweep_temp", "", err)
	}
}

// removeCorruptFile 复查后删除无法解码的记录文件；无法得知 key，tag 索引中的引用留作悬挂引用。
func (s *fileStore) removeCorruptFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if _, err := DecodeHeader(data); err == nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logFailure("sweep_corrupt", "", err)
		}
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"action": "sweep_corrupt",
		"path":   path,
	}).Warn("corrupt cache record purged")
	return true
}
