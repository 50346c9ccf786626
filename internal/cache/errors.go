package cache

import "errors"

var (
	// ErrNotFound 表示缓存不存在、已过期或记录无法解码。
	ErrNotFound = errors.New("cache entry not found")

	// ErrStorageIO 包装磁盘/权限类故障。
	ErrStorageIO = errors.New("cache storage io failure")

	// ErrCorruptRecord 表示记录文件被截断或格式不合法。
	ErrCorruptRecord = errors.New("corrupt cache record")

	// ErrLockTimeout 表示在限定时间内未能获得 tag 索引锁。
	ErrLockTimeout = errors.New("tag index lock timeout")

	// ErrInvalidKey 表示 key 为空或超出编码上限。
	ErrInvalidKey = errors.New("invalid cache key")
)
