// Package verifier implements the sha1t48 breach-password lookup: hash a
// candidate password, locate its shard, and binary-search the shard's
// records for the candidate's 48-bit suffix (spec.md §4.3).
//
// Three variants share the same core (Split, ReadShardInto, Search):
// Verifier (synchronous), Pool (offloaded blocking), and Dispatcher
// (completion-style, lane-owned buffers). All three answer the same
// question; they differ only in which goroutine performs the file read and
// search.
package verifier

import (
	"crypto/sha1" //nolint:gosec // SHA1 is the corpus's hash function, not used for anything cryptographic here.
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/shardstore"
)

// ErrIndexIncomplete is returned when the shard a lookup needs is absent
// from the index directory. It is distinct from a false verdict: a missing
// shard means the index itself is incomplete, not that the password is
// clean (spec.md §7).
var ErrIndexIncomplete = errors.New("verifier: shard absent, index incomplete")

// Verifier answers breach queries synchronously against a built index
// directory. The zero value is not usable; construct with New.
type Verifier struct {
	dir string
}

// New returns a Verifier reading shards from dir.
func New(dir string) *Verifier {
	return &Verifier{dir: filepath.Clean(dir)}
}

// Dir returns the index directory this Verifier reads from.
func (v *Verifier) Dir() string { return v.dir }

// IsBreached reports whether password's SHA1 digest appears in the corpus.
// It performs steps 1-6 of spec.md §4.3 on the calling goroutine: hash,
// split, build the shard path, read the shard into a per-call buffer, and
// binary-search it. There is no suspension point; this is the reference
// ~1.4µs-warm path spec.md documents.
func (v *Verifier) IsBreached(password string) (bool, error) {
	var buf shardstore.Buffer

	return v.isBreachedInto(password, &buf)
}

// isBreachedInto is IsBreached with a caller-supplied scratch buffer, so
// Dispatcher can reuse one buffer per lane; Pool passes a fresh buffer for
// each request.
func (v *Verifier) isBreachedInto(password string, buf *shardstore.Buffer) (bool, error) {
	prefix, needle := Split(password)

	n, err := shardstore.ReadShardInto(v.dir, prefix, buf)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			var hex [codec.PrefixHexLen]byte
			codec.Hex5(prefix, &hex)

			return false, fmt.Errorf("%w: prefix %s", ErrIndexIncomplete, hex[:])
		}

		return false, err
	}

	return shardstore.Search(buf[:n], needle), nil
}

// Split hashes password and extracts the 20-bit shard prefix and the
// 48-bit record needle from its SHA1 digest.
//
// The needle is not simply bytes H[2:8]: the prefix consumes the first 20
// bits (2.5 bytes — bytes 0, 1, and the high nibble of byte 2), so the
// record begins mid-byte, at the *low* nibble of byte 2, and runs for the
// next 48 bits, ending at the high nibble of byte 8. Concretely, record
// byte i is (low nibble of H[2+i] << 4) | (high nibble of H[3+i]). This
// must match pkg/codec.ParseSuffix's packing of the same bits out of the
// HIBP response text exactly, or the builder and verifier would disagree
// about what a "record" is.
func Split(password string) (prefix uint32, needle codec.Record) {
	h := sha1.Sum([]byte(password)) //nolint:gosec

	prefix = uint32(h[0])<<12 | uint32(h[1])<<4 | uint32(h[2]>>4)

	needle[0] = h[2]<<4 | h[3]>>4
	needle[1] = h[3]<<4 | h[4]>>4
	needle[2] = h[4]<<4 | h[5]>>4
	needle[3] = h[5]<<4 | h[6]>>4
	needle[4] = h[6]<<4 | h[7]>>4
	needle[5] = h[7]<<4 | h[8]>>4

	return prefix, needle
}
