package shardstore_test

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/shardstore"
)

func TestPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("/data", "A1B2C.bin"), shardstore.Path("/data", 0xA1B2C))
	assert.Equal(t, filepath.Join("/data", "00000.bin"), shardstore.Path("/data", 0))
	assert.Equal(t, filepath.Join("/data", "FFFFF.bin"), shardstore.Path("/data", 0xFFFFF))
}

func TestPathInto(t *testing.T) {
	t.Parallel()

	var buf [shardstore.PathBufLen]byte

	n, err := shardstore.PathInto(&buf, "/data", 0xA1B2C)
	require.NoError(t, err)
	assert.Equal(t, "/data/A1B2C.bin", string(buf[:n]))
}

func TestWriteAndReadShard_roundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	records := []codec.Record{
		{0, 0, 0, 0, 0, 1},
		{0, 0, 0, 0, 0, 2},
		{0, 0, 0, 0, 0, 3},
	}

	require.NoError(t, shardstore.WriteShard(dir, 0x12345, records))

	exists, empty := shardstore.ShardExistsNonEmpty(dir, 0x12345)
	assert.True(t, exists)
	assert.False(t, empty)

	var buf shardstore.Buffer

	n, err := shardstore.ReadShardInto(dir, 0x12345, &buf)
	require.NoError(t, err)
	assert.Equal(t, len(records)*codec.RecordWidth, n)
	assert.Equal(t, records, buf.Records(n))
}

func TestWriteShard_empty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	require.NoError(t, shardstore.WriteShard(dir, 0, nil))

	exists, empty := shardstore.ShardExistsNonEmpty(dir, 0)
	assert.True(t, exists)
	assert.True(t, empty)

	present, err := shardstore.Exists(dir, 0)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestReadShardInto_missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var buf shardstore.Buffer

	_, err := shardstore.ReadShardInto(dir, 0xABCDE, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	present, err := shardstore.Exists(dir, 0xABCDE)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestShardExistsNonEmpty_absent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	exists, empty := shardstore.ShardExistsNonEmpty(dir, 0x99999)
	assert.False(t, exists)
	assert.False(t, empty)
}

func TestWriteShard_neverLeavesPartialFileOnFailure(t *testing.T) {
	t.Parallel()

	// Writing into a directory that doesn't exist must fail without
	// leaving a renamed, truncated shard behind for resume to misread.
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	err := shardstore.WriteShard(dir, 0, []codec.Record{{1, 2, 3, 4, 5, 6}})
	require.Error(t, err)

	exists, _ := shardstore.ShardExistsNonEmpty(dir, 0)
	assert.False(t, exists)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	var buf []byte

	records := []codec.Record{
		{0, 0, 0, 0, 0, 1},
		{0, 0, 0, 0, 0, 5},
		{0, 0, 0, 0, 0, 5},
		{0, 0, 0, 0, 0, 9},
	}

	for _, r := range records {
		buf = append(buf, r[:]...)
	}

	assert.True(t, shardstore.Search(buf, codec.Record{0, 0, 0, 0, 0, 1}))
	assert.True(t, shardstore.Search(buf, codec.Record{0, 0, 0, 0, 0, 5}))
	assert.True(t, shardstore.Search(buf, codec.Record{0, 0, 0, 0, 0, 9}))
	assert.False(t, shardstore.Search(buf, codec.Record{0, 0, 0, 0, 0, 2}))
	assert.False(t, shardstore.Search(nil, codec.Record{0, 0, 0, 0, 0, 0}))
}

func TestSearch_duplicatesDoNotLoop(t *testing.T) {
	t.Parallel()

	var buf []byte
	for i := 0; i < 100; i++ {
		buf = append(buf, codec.Record{0, 0, 0, 0, 0, 7}[:]...)
	}

	assert.True(t, shardstore.Search(buf, codec.Record{0, 0, 0, 0, 0, 7}))
}
