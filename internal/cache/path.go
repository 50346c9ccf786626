package cache

import (
	"encoding/hex"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

const (
	recordExt     = ".cache"
	shardWidth    = 2
	digestSize    = 16
	indexFileName = "tags.index"
	lockFileName  = "tags.index.lock"
	tempPrefix    = ".tmp-"
)

// pathResolver 将 key 映射为 <root>/<前两位>/<digest>.cache，分片目录用于限制单目录文件数。
type pathResolver struct {
	root string
}

// recordPath 描述某个 key 在磁盘上的位置。
type recordPath struct {
	Digest string
	Dir    string
	File   string
}

func (r pathResolver) resolve(key string) recordPath {
	digest := keyDigest(key)
	dir := filepath.Join(r.root, digest[:shardWidth])
	return recordPath{
		Digest: digest,
		Dir:    dir,
		File:   filepath.Join(dir, digest+recordExt),
	}
}

func (r pathResolver) indexPath() string {
	return filepath.Join(r.root, indexFileName)
}

func (r pathResolver) lockPath() string {
	return filepath.Join(r.root, lockFileName)
}

// keyDigest returns the hex encoded 128-bit BLAKE2b digest of key.
func keyDigest(key string) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// only fails for invalid size or oversized MAC key
		panic(err)
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// isShardDir reports whether name looks like a shard directory produced by resolve.
func isShardDir(name string) bool {
	if len(name) != shardWidth {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}
