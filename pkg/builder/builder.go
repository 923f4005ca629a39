// Package builder implements the sha1t48 index build pipeline: partition
// the 20-bit prefix space across a bounded worker pool, fetch each
// prefix's range from upstream, decode and sort its records, and persist
// one shard per prefix, per spec.md §4.5.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/progress"
	"github.com/hazil/sha1t48/pkg/shardstore"
)

const (
	// DefaultWorkers is the worker count used when Options.Workers is 0.
	DefaultWorkers = 64

	// MinWorkers and MaxWorkers bound Options.Workers.
	MinWorkers = 1
	MaxWorkers = 1024

	// MaxLimit is the size of the full prefix space, 2^20.
	MaxLimit = 1 << codec.PrefixBits

	// DefaultReportInterval is how often the progress reporter samples
	// the counter when Options.ReportInterval is 0.
	DefaultReportInterval = 2 * time.Second
)

var (
	// ErrOutputDirRequired is returned by New when Options.Dir is empty.
	ErrOutputDirRequired = errors.New("builder: output directory is required")

	// ErrFetcherRequired is returned by New when fetcher is nil.
	ErrFetcherRequired = errors.New("builder: a RangeFetcher is required")

	// ErrWorkersOutOfRange is returned by New when Options.Workers falls
	// outside [MinWorkers, MaxWorkers].
	ErrWorkersOutOfRange = errors.New("builder: worker count out of range")

	// ErrLimitOutOfRange is returned by New when Options.Limit exceeds
	// MaxLimit.
	ErrLimitOutOfRange = errors.New("builder: limit exceeds the prefix space")

	// ErrOutputDirNotEmpty is returned during pre-flight when Policy is
	// DirPolicyNeither and the output directory already has entries.
	ErrOutputDirNotEmpty = errors.New("builder: output directory already exists and is not empty")
)

// DirPolicy selects the pre-flight behavior for an existing output
// directory, per spec.md §4.5 step 2.
type DirPolicy int

const (
	// DirPolicyNeither fails pre-flight if the directory exists and has
	// entries. This is the safe default: a build never silently merges
	// into a directory it didn't create.
	DirPolicyNeither DirPolicy = iota

	// DirPolicyForce deletes and recreates the output directory.
	DirPolicyForce

	// DirPolicyResume keeps existing shards; a worker skips a prefix iff
	// shardstore.ShardExistsNonEmpty reports it already present.
	DirPolicyResume
)

// RangeFetcher is the upstream dependency a Builder drives. *fetcher.Fetcher
// satisfies it; tests substitute a fake to exercise §4.5's edge cases
// without a network.
type RangeFetcher interface {
	FetchRange(ctx context.Context, prefix uint32) ([]byte, error)
}

// Options configures a Builder. Dir is required; every other field has a
// zero-value default filled in by New.
type Options struct {
	// Dir is the index output directory.
	Dir string

	// Workers is the number of concurrent prefix workers. Zero selects
	// DefaultWorkers.
	Workers int

	// Limit bounds the prefix space to [0, Limit). Zero selects MaxLimit
	// (the full 2^20 prefixes); a smaller value is for testing.
	Limit uint32

	// Policy is the output-directory pre-flight policy.
	Policy DirPolicy

	// Reporter, if non-nil, receives periodic progress.Snapshots for the
	// duration of Run.
	Reporter progress.Reporter

	// ReportInterval is how often Reporter is sampled. Zero selects
	// DefaultReportInterval.
	ReportInterval time.Duration
}

// Result summarizes one completed or aborted build.
type Result struct {
	// ShardsPersisted is the number of prefixes fetched and written this
	// run (excludes prefixes skipped via resume).
	ShardsPersisted uint64

	// ShardsSkipped is the number of prefixes a resume policy determined
	// were already present and non-empty.
	ShardsSkipped uint64

	// RecordsWritten is the total record count across every shard this
	// run persisted.
	RecordsWritten uint64

	// Duration is the wall-clock time Run spent, including any
	// pre-flight work.
	Duration time.Duration
}

// Builder drives the build pipeline described in spec.md §4.5 against a
// RangeFetcher.
type Builder struct {
	fetcher RangeFetcher
	opts    Options
}

// New validates opts, fills in defaults, and returns a ready Builder.
func New(fetcher RangeFetcher, opts Options) (*Builder, error) {
	if fetcher == nil {
		return nil, ErrFetcherRequired
	}

	if opts.Dir == "" {
		return nil, ErrOutputDirRequired
	}

	opts.Dir = filepath.Clean(opts.Dir)

	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}

	if opts.Workers < MinWorkers || opts.Workers > MaxWorkers {
		return nil, fmt.Errorf("%w: got %d, want [%d, %d]", ErrWorkersOutOfRange, opts.Workers, MinWorkers, MaxWorkers)
	}

	if opts.Limit == 0 {
		opts.Limit = MaxLimit
	}

	if opts.Limit > MaxLimit {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrLimitOutOfRange, opts.Limit, MaxLimit)
	}

	if opts.ReportInterval == 0 {
		opts.ReportInterval = DefaultReportInterval
	}

	return &Builder{fetcher: fetcher, opts: opts}, nil
}

// Run executes the build to completion: pre-flight, then fan out one unit
// of work per prefix in [0, Limit) across Options.Workers workers via a
// shared atomic cursor, until every prefix is persisted or skipped, ctx is
// cancelled, or a fatal per-prefix error triggers orderly shutdown.
//
// Run always returns the Result accumulated so far, even on error: a
// partial build's persisted shards remain valid and resumable (spec.md §7,
// "progress-already-persisted prefixes are preserved for resume").
func (b *Builder) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	if err := b.preflight(); err != nil {
		return Result{}, err
	}

	counter := progress.NewCounter(uint64(b.opts.Limit))

	if b.opts.Reporter != nil {
		reportCtx, stopReport := context.WithCancel(ctx)
		defer stopReport()

		go progress.Run(reportCtx, counter, b.opts.Reporter, b.opts.ReportInterval)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.opts.Workers)

	var (
		cursor    atomic.Uint32
		persisted atomic.Uint64
		skipped   atomic.Uint64
		records   atomic.Uint64
	)

	for groupCtx.Err() == nil {
		prefix := cursor.Add(1) - 1
		if prefix >= b.opts.Limit {
			break
		}

		group.Go(func() error {
			wasSkipped, recordCount, err := b.processPrefix(ctx, prefix)
			if err != nil {
				return err
			}

			if wasSkipped {
				skipped.Add(1)
			} else {
				persisted.Add(1)
				records.Add(uint64(recordCount)) //nolint:gosec
			}

			counter.Increment()

			return nil
		})
	}

	runErr := group.Wait()

	result := Result{
		ShardsPersisted: persisted.Load(),
		ShardsSkipped:   skipped.Load(),
		RecordsWritten:  records.Load(),
		Duration:        time.Since(start),
	}

	if runErr != nil {
		return result, fmt.Errorf("builder: build aborted: %w", runErr)
	}

	return result, nil
}

// processPrefix performs spec.md §4.5 step 3 for a single prefix: resume
// skip check, fetch, decode, sort-if-needed, write, per the established
// ordering (fetch completes before decode; decode before write).
func (b *Builder) processPrefix(ctx context.Context, prefix uint32) (skipped bool, recordCount int, err error) {
	var hex [codec.PrefixHexLen]byte
	codec.Hex5(prefix, &hex)

	if b.opts.Policy == DirPolicyResume {
		exists, empty := shardstore.ShardExistsNonEmpty(b.opts.Dir, prefix)
		if exists && !empty {
			return true, 0, nil
		}
	}

	body, err := b.fetcher.FetchRange(ctx, prefix)
	if err != nil {
		return false, 0, fmt.Errorf("prefix %s: %w", hex[:], err)
	}

	recs := decodeRecords(ctx, prefix, body)

	if err := shardstore.WriteShard(b.opts.Dir, prefix, recs); err != nil {
		return false, 0, fmt.Errorf("prefix %s: %w", hex[:], err)
	}

	return false, len(recs), nil
}

// decodeRecords splits body into lines, decodes each into a Record via
// codec.ParseSuffix, and logs-then-skips any malformed line rather than
// aborting the prefix (spec.md §7: "occasional upstream noise must not
// abort a 10-minute build").
//
// The HIBP range response arrives sorted, so decoded records are expected
// to already be monotonically non-decreasing; this is verified cheaply
// during decode (one compare per record) and only falls back to an
// explicit sort if that's ever violated (spec.md §9).
func decodeRecords(ctx context.Context, prefix uint32, body []byte) []codec.Record {
	log := zerolog.Ctx(ctx)
	lines := bytes.Split(body, []byte("\n"))
	recs := make([]codec.Record, 0, len(lines))
	sorted := true

	for lineNo, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := codec.ParseSuffix(line)
		if err != nil {
			log.Warn().
				Uint32("prefix", prefix).
				Int("line", lineNo).
				Err(err).
				Msg("skipping malformed range response line")

			continue
		}

		if sorted && len(recs) > 0 && rec.Less(recs[len(recs)-1]) {
			sorted = false
		}

		recs = append(recs, rec)
	}

	if !sorted {
		slices.SortFunc(recs, func(a, b codec.Record) int { return bytes.Compare(a[:], b[:]) })
	}

	return recs
}

// preflight applies the output-directory policy from spec.md §4.5 step 2
// before any worker starts.
func (b *Builder) preflight() error {
	switch b.opts.Policy {
	case DirPolicyForce:
		if err := os.RemoveAll(b.opts.Dir); err != nil {
			return fmt.Errorf("builder: removing existing output directory: %w", err)
		}

		return b.mkdir()
	case DirPolicyResume:
		return b.mkdir()
	case DirPolicyNeither:
		fallthrough
	default:
		entries, err := os.ReadDir(b.opts.Dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return b.mkdir()
			}

			return fmt.Errorf("builder: inspecting output directory: %w", err)
		}

		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", ErrOutputDirNotEmpty, b.opts.Dir)
		}

		return nil
	}
}

func (b *Builder) mkdir() error {
	if err := os.MkdirAll(b.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("builder: creating output directory: %w", err)
	}

	return nil
}
