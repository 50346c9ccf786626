package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	created := time.Unix(1_700_000_000, 123).UTC()
	return Record{
		Key:       "device:42:status",
		Value:     bytes.Repeat([]byte("online;"), 64),
		CreatedAt: created,
		ExpireAt:  created.Add(time.Minute),
		Tags:      []string{"device", "device:42"},
	}
}

func TestRecordRoundTripPerFlag(t *testing.T) {
	for _, flag := range []Compression{CompressionNone, CompressionZstd, CompressionBrotli} {
		t.Run(flag.String(), func(t *testing.T) {
			rec := sampleRecord()
			data, err := EncodeRecord(rec, flag)
			require.NoError(t, err)
			assert.Equal(t, byte(flag), data[4])

			got, err := DecodeRecord(data)
			require.NoError(t, err)
			assert.Equal(t, rec.Key, got.Key)
			assert.Equal(t, rec.Value, got.Value)
			assert.Equal(t, rec.Tags, got.Tags)
			assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
			assert.True(t, rec.ExpireAt.Equal(got.ExpireAt))
		})
	}
}

func TestCompressedPayloadIsSmaller(t *testing.T) {
	rec := sampleRecord()
	plain, err := EncodeRecord(rec, CompressionNone)
	require.NoError(t, err)
	packed, err := EncodeRecord(rec, CompressionZstd)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))
}

func TestDecodeHeaderSkipsPayload(t *testing.T) {
	rec := sampleRecord()
	data, err := EncodeRecord(rec, CompressionBrotli)
	require.NoError(t, err)

	h, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionBrotli, h.Flag)
	assert.Equal(t, rec.Key, h.Key)
	assert.Equal(t, rec.Tags, h.Tags)
	assert.False(t, h.Expired(rec.CreatedAt))
	assert.True(t, h.Expired(rec.ExpireAt.Add(time.Nanosecond)))
}

func TestEmptyValueRoundTrip(t *testing.T) {
	rec := sampleRecord()
	rec.Value = nil
	rec.Tags = nil
	data, err := EncodeRecord(rec, CompressionNone)
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.NotNil(t, got.Value)
	assert.Empty(t, got.Value)
	assert.Empty(t, got.Tags)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	data, err := EncodeRecord(sampleRecord(), CompressionZstd)
	require.NoError(t, err)

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'

	unknownFlag := append([]byte(nil), data...)
	unknownFlag[4] = 0x7f

	badPayload := append([]byte(nil), data...)
	h, err := DecodeHeader(data)
	require.NoError(t, err)
	badPayload = append(badPayload[:h.payloadOffset], []byte("not zstd")...)

	cases := map[string][]byte{
		"empty":        nil,
		"bad magic":    badMagic,
		"unknown flag": unknownFlag,
		"truncated":    data[:20],
		"bad payload":  badPayload,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord(input)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestEncodeRejectsInvalidRecords(t *testing.T) {
	rec := sampleRecord()
	rec.Key = ""
	_, err := EncodeRecord(rec, CompressionNone)
	assert.ErrorIs(t, err, ErrInvalidKey)

	rec = sampleRecord()
	rec.ExpireAt = rec.CreatedAt.Add(-time.Second)
	_, err = EncodeRecord(rec, CompressionNone)
	assert.Error(t, err)

	// 超出 int64 纳秒范围的过期时间无法写入记录头
	rec = sampleRecord()
	rec.ExpireAt = maxRecordTime.Add(time.Second)
	_, err = EncodeRecord(rec, CompressionNone)
	assert.Error(t, err)

	rec.ExpireAt = maxRecordTime
	data, err := EncodeRecord(rec, CompressionNone)
	require.NoError(t, err)
	h, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.True(t, h.ExpireAt.Equal(maxRecordTime))
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{
		"":       CompressionZstd,
		"zstd":   CompressionZstd,
		"Brotli": CompressionBrotli,
		"br":     CompressionBrotli,
		"none":   CompressionNone,
	}
	for in, want := range cases {
		got, err := ParseCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}

func TestPathResolverSharding(t *testing.T) {
	r := pathResolver{root: "/var/cache/tagcache"}
	loc := r.resolve("device:42:status")

	assert.Len(t, loc.Digest, digestSize*2)
	assert.Equal(t, loc.Digest[:shardWidth], loc.Dir[len(loc.Dir)-shardWidth:])
	assert.Equal(t, loc.Digest+recordExt, loc.File[len(loc.Dir)+1:])
	assert.Equal(t, loc, r.resolve("device:42:status"))
	assert.NotEqual(t, loc.Digest, r.resolve("device:42:status:v2").Digest)

	assert.True(t, isShardDir(loc.Digest[:shardWidth]))
	assert.False(t, isShardDir("zz"))
	assert.False(t, isShardDir("abc"))
}
