package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

const tagIndexVersion = 1

// tagDocument 是 tags.index 的磁盘格式：tag -> 有序 key 列表。
type tagDocument struct {
	Version int                 `json:"version"`
	Tags    map[string][]string `json:"tags"`
}

// TagIndex 持久化 tag 到 key 集合的映射。所有变更都是“读-改-写”整份文档，
// 代价为 O(索引总大小)，适合中等规模的 tag 基数。
// 索引允许悬挂引用（key 对应记录已删除），调用方需将其视为 no-op。
type TagIndex struct {
	path   string
	lock   *indexLock
	logger logrus.FieldLogger
}

func newTagIndex(path string, lock *indexLock, logger logrus.FieldLogger) *TagIndex {
	return &TagIndex{path: path, lock: lock, logger: logger}
}

// Associate adds key under every tag.
func (ti *TagIndex) Associate(ctx context.Context, key string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return ti.update(ctx, func(doc *tagDocument) bool {
		return addKey(doc, key, tags)
	})
}

// Disassociate removes key from tags. With no tags, key is removed from every
// tag that lists it. Empty tag entries are pruned.
func (ti *TagIndex) Disassociate(ctx context.Context, key string, tags []string) error {
	return ti.update(ctx, func(doc *tagDocument) bool {
		return removeKey(doc, key, tags)
	})
}

// Replace swaps key's tag set from oldTags to newTags in a single locked cycle.
func (ti *TagIndex) Replace(ctx context.Context, key string, oldTags, newTags []string) error {
	stale := difference(oldTags, newTags)
	if len(stale) == 0 && len(newTags) == 0 {
		return nil
	}
	return ti.update(ctx, func(doc *tagDocument) bool {
		changed := false
		if len(stale) > 0 && removeKey(doc, key, stale) {
			changed = true
		}
		if addKey(doc, key, newTags) {
			changed = true
		}
		return changed
	})
}

// RemoveTags drops whole tag entries.
func (ti *TagIndex) RemoveTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return ti.update(ctx, func(doc *tagDocument) bool {
		changed := false
		for _, tag := range tags {
			if _, ok := doc.Tags[tag]; ok {
				delete(doc.Tags, tag)
				changed = true
			}
		}
		return changed
	})
}

// KeysForTag returns the keys currently listed under tag. The result may hold
// dangling references. The document is replaced by rename, so an unlocked read
// always sees a complete snapshot.
func (ti *TagIndex) KeysForTag(tag string) ([]string, error) {
	doc, err := ti.load()
	if err != nil {
		return nil, err
	}
	keys := doc.Tags[tag]
	out := make([]string, len(keys))
	copy(out, keys)
	return out, nil
}

// TagCount returns the number of tags with at least one key.
func (ti *TagIndex) TagCount() (int, error) {
	doc, err := ti.load()
	if err != nil {
		return 0, err
	}
	return len(doc.Tags), nil
}

// Reset replaces the document with an empty one.
func (ti *TagIndex) Reset(ctx context.Context) error {
	release, err := ti.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return ti.save(newTagDocument())
}

func (ti *TagIndex) update(ctx context.Context, mutate func(*tagDocument) bool) error {
	release, err := ti.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	doc, err := ti.load()
	if err != nil {
		return err
	}
	if !mutate(doc) {
		return nil
	}
	return ti.save(doc)
}

func (ti *TagIndex) load() (*tagDocument, error) {
	data, err := os.ReadFile(ti.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newTagDocument(), nil
		}
		return nil, fmt.Errorf("%w: read tag index: %v", ErrStorageIO, err)
	}

	doc := newTagDocument()
	if err := sonic.Unmarshal(data, doc); err != nil {
		// 索引损坏时按空索引处理：最坏情况是部分 tag 无法批量失效，记录仍按 TTL 过期。
		ti.logger.WithFields(logrus.Fields{
			"action": "tag_index_load",
			"path":   ti.path,
		}).Warn("tag index unreadable, starting empty: " + err.Error())
		return newTagDocument(), nil
	}
	if doc.Tags == nil {
		doc.Tags = make(map[string][]string)
	}
	return doc, nil
}

func (ti *TagIndex) save(doc *tagDocument) error {
	data, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode tag index: %w", err)
	}
	if err := writeFileAtomic(ti.path, data); err != nil {
		return fmt.Errorf("%w: write tag index: %v", ErrStorageIO, err)
	}
	return nil
}

func newTagDocument() *tagDocument {
	return &tagDocument{Version: tagIndexVersion, Tags: make(map[string][]string)}
}

func addKey(doc *tagDocument, key string, tags []string) bool {
	changed := false
	for _, tag := range tags {
		keys := doc.Tags[tag]
		i := sort.SearchStrings(keys, key)
		if i < len(keys) && keys[i] == key {
			continue
		}
		keys = append(keys, "")
		copy(keys[i+1:], keys[i:])
		keys[i] = key
		doc.Tags[tag] = keys
		changed = true
	}
	return changed
}

func removeKey(doc *tagDocument, key string, tags []string) bool {
	if len(tags) == 0 {
		tags = make([]string, 0, len(doc.Tags))
		for tag := range doc.Tags {
			tags = append(tags, tag)
		}
	}
	changed := false
	for _, tag := range tags {
		keys, ok := doc.Tags[tag]
		if !ok {
			continue
		}
		i := sort.SearchStrings(keys, key)
		if i >= len(keys) || keys[i] != key {
			continue
		}
		keys = append(keys[:i], keys[i+1:]...)
		if len(keys) == 0 {
			delete(doc.Tags, tag)
		} else {
			doc.Tags[tag] = keys
		}
		changed = true
	}
	return changed
}

// difference returns the elements of a that are not in b.
func difference(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		seen[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// writeFileAtomic 写入同目录临时文件后 rename，保证读者不会看到半写内容。
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Chmod(tempName, 0o644); err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
