package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Store 是缓存引擎的对外接口。磁盘布局遵循：
//
//	<CacheDir>/<digest[:2]>/<digest>.cache   # 单条记录（头 + 负载）
//	<CacheDir>/tags.index                    # tag -> key 集合
//	<CacheDir>/tags.index.lock               # 索引跨进程锁
//
// 除 Set/Delete/Clear 返回的 I/O 或锁超时错误外，所有“不存在”的情况都以
// ErrNotFound 或 no-op 的形式返回，调用方遇到任何错误都应当绕过缓存继续执行。
type Store interface {
	// Set 原子写入一条记录，并将旧记录的 tag 关联替换为新的 tag。
	Set(ctx context.Context, key string, value []byte, opts ...SetOption) error

	// Get 返回未过期的值；缺失、过期、损坏或 key 不匹配时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)

	// Has 等价于 Get 成功。
	Has(ctx context.Context, key string) bool

	// Delete 删除记录并解除其 tag 关联。删除不存在的 key 是成功的 no-op。
	Delete(ctx context.Context, key string) error

	// Clear 删除全部记录，重置 tag 索引与统计。
	Clear(ctx context.Context) error

	// ClearExpired 全量扫描并清理过期/损坏记录，返回清理数量。O(n)，仅用于后台维护。
	ClearExpired(ctx context.Context) (int, error)

	// FlushByTags 删除携带任一 tag 的记录并移除这些 tag，返回实际删除的记录数。
	FlushByTags(ctx context.Context, tags ...string) (int, error)

	// Warmup 批量写入，返回成功条数；不是全有或全无。
	Warmup(ctx context.Context, items map[string]WarmupItem) int

	// Stats 返回计数器与磁盘占用。磁盘部分需要全量扫描，不应在请求路径调用。
	Stats(ctx context.Context) (Stats, error)

	// TagKeys 返回 tag 当前关联的 key（可能包含悬挂引用），用于诊断。
	TagKeys(tag string) ([]string, error)

	// SetDefaultExpire/SetCompress 只影响之后的操作。
	SetDefaultExpire(ttl time.Duration)
	SetCompress(enabled bool)

	// Collector exposes the store counters for metric registries.
	Collector() *StatsCollector
}

// Options 控制 NewStore 构建的实例。Compression 是 Compress 开启时使用的算法，
// 零值 CompressionNone 表示始终不压缩。
type Options struct {
	Dir           string
	DefaultExpire time.Duration
	Compress      bool
	Compression   Compression
	LockTimeout   time.Duration
	ScanWorkers   int
	Logger        logrus.FieldLogger

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

const (
	DefaultExpire      = time.Hour
	DefaultLockTimeout = 2 * time.Second
	DefaultScanWorkers = 4
)

// WarmupItem 是 Warmup 的单条输入。TTL<=0 时使用默认过期时间。
type WarmupItem struct {
	Value []byte
	TTL   time.Duration
	Tags  []string
}

// Stats 汇总进程内计数器与磁盘扫描结果。
type Stats struct {
	Counters
	HitRate       float64 `json:"hit_rate"`
	CacheCount    int64   `json:"cache_count"`
	CacheSize     int64   `json:"cache_size"`
	TagCount      int     `json:"tag_count"`
	CacheDir      string  `json:"cache_dir"`
	DefaultExpire int64   `json:"default_expire"`
	Compress      bool    `json:"compress"`
	Compression   string  `json:"compression"`
}

// SetOption customizes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// WithTTL overrides the default expiry. Values <= 0 fall back to the default.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// WithTags attaches tags to the record, replacing any tags it carried before.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// Remember 返回 key 的缓存值；未命中时调用 fn 计算并写回。写回失败已由 Store 记录日志，不影响返回值。
func Remember(ctx context.Context, store Store, key string, fn func(context.Context) ([]byte, error), opts ...SetOption) ([]byte, error) {
	if value, err := store.Get(ctx, key); err == nil {
		return value, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	_ = store.Set(ctx, key, value, opts...)
	return value, nil
}

// normalizeTags trims, drops empties, dedups and sorts tags.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func hasAnyTag(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
