package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Compression 是记录头中的格式/压缩标志字节，解码时只依赖该字节，不做内容嗅探。
type Compression uint8

const (
	CompressionNone   Compression = 0x00
	CompressionZstd   Compression = 0x01
	CompressionBrotli Compression = 0x02
)

// ParseCompression maps a config value onto a Compression flag.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CompressionZstd, nil
	case "brotli", "br":
		return CompressionBrotli, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression: %s", name)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionBrotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}

// 记录头以 int64 纳秒保存时间戳，可表示的范围约为 1678 至 2262 年。
var (
	minRecordTime = time.Unix(0, math.MinInt64)
	maxRecordTime = time.Unix(0, math.MaxInt64)
)

// recordMagic 标识记录格式版本；格式变化时需要换新的 magic。
var recordMagic = [4]byte{'T', 'G', 'C', '1'}

// Record 是一条完整的缓存记录。
type Record struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpireAt  time.Time
	Tags      []string
}

// Expired reports whether the record is past its expireAt at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpireAt)
}

// Header 是不含负载的记录头，清理与删除只需读取它。
type Header struct {
	Flag      Compression
	Key       string
	CreatedAt time.Time
	ExpireAt  time.Time
	Tags      []string

	payloadOffset int
}

// Expired reports whether the header's expireAt has passed at now.
func (h Header) Expired(now time.Time) bool {
	return now.After(h.ExpireAt)
}

// EncodeRecord serializes rec as
//
//	magic(4) | flag(1) | createdAt(8) | expireAt(8) | keyLen(2) | key |
//	tagCount(2) | {tagLen(2) | tag}* | payload
//
// Only the payload is compressed.
func EncodeRecord(rec Record, flag Compression) ([]byte, error) {
	if rec.Key == "" || len(rec.Key) > math.MaxUint16 {
		return nil, ErrInvalidKey
	}
	if !representable(rec.CreatedAt) || !representable(rec.ExpireAt) {
		return nil, fmt.Errorf("timestamp out of range: createdAt %v expireAt %v", rec.CreatedAt, rec.ExpireAt)
	}
	if rec.ExpireAt.Before(rec.CreatedAt) {
		return nil, fmt.Errorf("expireAt %v before createdAt %v", rec.ExpireAt, rec.CreatedAt)
	}
	if len(rec.Tags) > math.MaxUint16 {
		return nil, fmt.Errorf("too many tags: %d", len(rec.Tags))
	}

	payload, err := compressPayload(flag, rec.Value)
	if err != nil {
		return nil, err
	}

	size := len(recordMagic) + 1 + 8 + 8 + 2 + len(rec.Key) + 2 + len(payload)
	for _, tag := range rec.Tags {
		if len(tag) > math.MaxUint16 {
			return nil, fmt.Errorf("tag too long: %d bytes", len(tag))
		}
		size += 2 + len(tag)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, recordMagic[:]...)
	buf = append(buf, byte(flag))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.CreatedAt.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.ExpireAt.UnixNano()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rec.Tags)))
	for _, tag := range rec.Tags {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tag)))
		buf = append(buf, tag...)
	}
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeHeader parses the record header without touching the payload.
func DecodeHeader(data []byte) (Header, error) {
	r := headerReader{data: data}

	magic := r.next(len(recordMagic))
	if magic == nil || !bytes.Equal(magic, recordMagic[:]) {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorruptRecord)
	}

	flagByte := r.next(1)
	if flagByte == nil {
		return Header{}, fmt.Errorf("%w: truncated flag", ErrCorruptRecord)
	}
	h := Header{Flag: Compression(flagByte[0])}
	switch h.Flag {
	case CompressionNone, CompressionZstd, CompressionBrotli:
	default:
		return Header{}, fmt.Errorf("%w: unknown flag 0x%02x", ErrCorruptRecord, flagByte[0])
	}

	created, ok1 := r.uint64()
	expire, ok2 := r.uint64()
	if !ok1 || !ok2 {
		return Header{}, fmt.Errorf("%w: truncated timestamps", ErrCorruptRecord)
	}
	h.CreatedAt = time.Unix(0, int64(created))
	h.ExpireAt = time.Unix(0, int64(expire))
	if h.ExpireAt.Before(h.CreatedAt) {
		return Header{}, fmt.Errorf("%w: expireAt before createdAt", ErrCorruptRecord)
	}

	key, ok := r.string16()
	if !ok || key == "" {
		return Header{}, fmt.Errorf("%w: truncated key", ErrCorruptRecord)
	}
	h.Key = key

	count, ok := r.uint16()
	if !ok {
		return Header{}, fmt.Errorf("%w: truncated tag count", ErrCorruptRecord)
	}
	if count > 0 {
		h.Tags = make([]string, 0, count)
	}
	for i := 0; i < int(count); i++ {
		tag, ok := r.string16()
		if !ok {
			return Header{}, fmt.Errorf("%w: truncated tag %d", ErrCorruptRecord, i)
		}
		h.Tags = append(h.Tags, tag)
	}

	h.payloadOffset = r.off
	return h, nil
}

// DecodeRecord parses the header and decompresses the payload.
func DecodeRecord(data []byte) (Record, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Record{}, err
	}
	return decodePayload(h, data)
}

func decodePayload(h Header, data []byte) (Record, error) {
	value, err := decompressPayload(h.Flag, data[h.payloadOffset:])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if value == nil {
		value = []byte{}
	}
	return Record{
		Key:       h.Key,
		Value:     value,
		CreatedAt: h.CreatedAt,
		ExpireAt:  h.ExpireAt,
		Tags:      h.Tags,
	}, nil
}

func representable(t time.Time) bool {
	return !t.Before(minRecordTime) && !t.After(maxRecordTime)
}

type headerReader struct {
	data []byte
	off  int
}

func (r *headerReader) next(n int) []byte {
	if n < 0 || r.off+n > len(r.data) {
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *headerReader) uint16() (uint16, bool) {
	b := r.next(2)
	if b == nil {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *headerReader) uint64() (uint64, bool) {
	b := r.next(8)
	if b == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func (r *headerReader) string16() (string, bool) {
	n, ok := r.uint16()
	if !ok {
		return "", false
	}
	b := r.next(int(n))
	if b == nil {
		return "", false
	}
	return string(b), true
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// zstdCodecs 返回进程内共享的编解码器；EncodeAll/DecodeAll 可并发调用。
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

func compressPayload(flag Compression, value []byte) ([]byte, error) {
	switch flag {
	case CompressionNone:
		return value, nil
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(value, nil), nil
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression flag 0x%02x", uint8(flag))
	}
}

func decompressPayload(flag Compression, payload []byte) ([]byte, error) {
	switch flag {
	case CompressionNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(payload, nil)
	case CompressionBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unsupported compression flag 0x%02x", uint8(flag))
	}
}
