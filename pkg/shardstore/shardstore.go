// Package shardstore implements the sha1t48 on-disk file-layout contract:
// a flat directory of 2^20 files, one per 20-bit SHA1 prefix, each holding
// a sorted, fixed-width sequence of 6-byte records.
//
// This package is the seam between pkg/builder (writer) and pkg/verifier
// (reader). Neither side interprets the bytes of a shard beyond this
// contract.
package shardstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hazil/sha1t48/pkg/codec"
)

const (
	// Extension is the filename suffix every shard carries.
	Extension = ".bin"

	// MaxShardBytes bounds the largest credible shard. In practice a
	// shard holds at most a few thousand records (≪ 64 KiB); a larger
	// read is treated as corruption or an upstream anomaly, never
	// silently truncated.
	MaxShardBytes = 64 * 1024

	// PathBufLen is large enough to hold "<dir>/XXXXX.bin" for any
	// real deployment path.
	PathBufLen = 512

	tempSuffix = ".tmp"
)

var (
	// ErrCorruptSize is returned when a shard's length is not a multiple
	// of codec.RecordWidth.
	ErrCorruptSize = errors.New("shardstore: shard size is not a multiple of the record width")

	// ErrTooLarge is returned when a shard exceeds MaxShardBytes; the
	// caller's buffer cannot hold it, which spec.md §4.2 classifies as
	// fatal rather than silently truncating the read.
	ErrTooLarge = errors.New("shardstore: shard exceeds the maximum buffer size")

	// ErrPathTooLong is returned by PathInto when the directory path plus
	// filename would not fit in the caller-supplied buffer.
	ErrPathTooLong = errors.New("shardstore: directory path too long for path buffer")
)

// Buffer is a caller-owned, fixed-size, stack-friendly scratch buffer for a
// single shard read. Reusing one across lookups is what keeps the
// synchronous verifier path allocation-free.
type Buffer [MaxShardBytes]byte

// PathInto renders the absolute path of shard P's file into buf and returns
// the number of bytes written. dir must not have a trailing slash (the
// builder and verifier both normalize it once at startup via filepath.Clean).
func PathInto(buf *[PathBufLen]byte, dir string, prefix uint32) (int, error) {
	var hex [codec.PrefixHexLen]byte
	codec.Hex5(prefix, &hex)

	need := len(dir) + 1 + len(hex) + len(Extension)
	if need > PathBufLen {
		return 0, ErrPathTooLong
	}

	n := copy(buf[:], dir)
	buf[n] = '/'
	n++
	n += copy(buf[n:], hex[:])
	n += copy(buf[n:], Extension)

	return n, nil
}

// Path is the convenience, allocating counterpart of PathInto. It is used
// by the builder's per-prefix worker loop, by tests, and by ReadShardInto
// (and therefore by the verifier's lookup path).
func Path(dir string, prefix uint32) string {
	var hex [codec.PrefixHexLen]byte
	codec.Hex5(prefix, &hex)

	return filepath.Join(dir, string(hex[:])+Extension)
}

// WriteShard serializes records (already sorted ascending per spec.md §3)
// to <dir>/<hex5(P)>.bin. It writes to a temporary sibling file and renames
// it into place, so a reader can never observe a partially written shard:
// the rename is atomic on every platform this package targets, and a crash
// mid-write leaves only an orphaned .tmp file that the real shard's resume
// probe (ShardExistsNonEmpty) never sees.
func WriteShard(dir string, prefix uint32, records []codec.Record) error {
	finalPath := Path(dir, prefix)
	tmpPath := finalPath + tempSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("shardstore: creating temp file: %w", err)
	}

	buf := make([]byte, 0, len(records)*codec.RecordWidth)
	for _, r := range records {
		buf = append(buf, r[:]...)
	}

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return fmt.Errorf("shardstore: writing %s: %w", tmpPath, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("shardstore: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("shardstore: renaming %s to %s: %w", tmpPath, finalPath, err)
	}

	return nil
}

// ReadShardInto opens the shard for prefix and reads its entire contents
// into buf, returning the number of populated bytes. The shard bytes go
// into buf with no further copy; the path string is built with Path, which
// allocates, and os.Open allocates for the syscall.
//
// A missing shard returns the sentinel fs.ErrNotExist (wrapped); callers
// distinguish "not breached" (shard exists, search misses) from "index
// incomplete" (shard absent) by checking for this.
func ReadShardInto(dir string, prefix uint32, buf *Buffer) (int, error) {
	path := Path(dir, prefix)

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0

	for {
		m, err := f.Read(buf[n:])
		n += m

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return n, fmt.Errorf("shardstore: reading %s: %w", path, err)
		}

		if n == len(buf) {
			// Either exactly full or truncated input; one more Read call
			// tells us which without growing the buffer.
			var probe [1]byte

			pn, perr := f.Read(probe[:])
			if pn > 0 || !errors.Is(perr, io.EOF) {
				return n, fmt.Errorf("%w: %s", ErrTooLarge, path)
			}

			break
		}
	}

	if n%codec.RecordWidth != 0 {
		return n, fmt.Errorf("%w: %s has %d bytes", ErrCorruptSize, path, n)
	}

	return n, nil
}

// Records copies the first n bytes of buf into a newly allocated slice of
// Records. The returned slice does not alias buf, so it stays valid after
// buf is reused for another read.
func (b *Buffer) Records(n int) []codec.Record {
	//nolint:gosec // n is always RecordWidth-aligned by ReadShardInto's contract.
	count := n / codec.RecordWidth

	recs := make([]codec.Record, count)
	for i := range recs {
		copy(recs[i][:], b[i*codec.RecordWidth:(i+1)*codec.RecordWidth])
	}

	return recs
}

// ShardExistsNonEmpty is the resume probe: it reports whether the shard for
// prefix already exists as a regular, non-empty file. A zero-byte shard
// (the empty-corpus case) counts as present but is reported via the second
// return value so callers that need to distinguish "present, zero records"
// from "present, N records" can do so without a second stat.
func ShardExistsNonEmpty(dir string, prefix uint32) (exists bool, empty bool) {
	fi, err := os.Stat(Path(dir, prefix))
	if err != nil {
		return false, false
	}

	if !fi.Mode().IsRegular() {
		return false, false
	}

	return true, fi.Size() == 0
}

// Exists reports whether the shard file for prefix is present at all
// (including zero-byte shards). The verifier does not call it; it tells
// "not breached" from "index incomplete" by ReadShardInto's error instead.
func Exists(dir string, prefix uint32) (bool, error) {
	_, err := os.Stat(Path(dir, prefix))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// Search performs a branch-light binary search over buf[:n] interpreted as
// an array of codec.RecordWidth-byte big-endian records, looking for
// needle. Comparison is byte-lexicographic, which is numerically equivalent
// to big-endian unsigned order (spec.md §4.3). Duplicate records are
// tolerated: Search only needs to land on any matching slot.
func Search(buf []byte, needle codec.Record) bool {
	n := len(buf) / codec.RecordWidth
	lo, hi := 0, n

	for lo < hi {
		mid := (lo + hi) / 2
		start := mid * codec.RecordWidth
		cmp := bytes.Compare(buf[start:start+codec.RecordWidth], needle[:])

		switch {
		case cmp == 0:
			return true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	return false
}
