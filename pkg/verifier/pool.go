package verifier

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hazil/sha1t48/pkg/shardstore"
)

// DefaultPoolWorkers is Pool's default worker count when none is given.
const DefaultPoolWorkers = 8

// ErrPoolClosed is returned by IsBreached once the Pool has been closed.
var ErrPoolClosed = errors.New("verifier: pool closed")

// lookupRequest and lookupResult ferry one query across the handoff to a
// Pool worker and its answer back.
type lookupRequest struct {
	password string
	result   chan<- lookupResult
}

type lookupResult struct {
	found bool
	err   error
}

// Pool is the offloaded-blocking verifier variant: callers hand a query to
// the pool and block on the answer. Each query runs on its own errgroup
// goroutine, at most n of them at once, with a fresh shardstore.Buffer. This is one suspension point
// per call — the handoff in, the handoff out — rather than Verifier's zero
// or Dispatcher's per-thread routing.
//
// spec.md's Design Notes require this to remain the default hot path for
// concurrent callers: unlike a fresh goroutine per call, Pool bounds the
// number of outstanding shard reads to its worker count, so a burst of
// lookups can't open thousands of file descriptors at once.
type Pool struct {
	v       *Verifier
	reqs    chan lookupRequest
	cancel  context.CancelFunc
	done    chan struct{}
	workers int
}

// NewPool starts a Pool of n workers (DefaultPoolWorkers if n <= 0) reading
// shards from dir. Call Close to stop the workers.
func NewPool(dir string, n int) *Pool {
	if n <= 0 {
		n = DefaultPoolWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		v:       New(dir),
		reqs:    make(chan lookupRequest),
		cancel:  cancel,
		done:    make(chan struct{}),
		workers: n,
	}

	go p.run(ctx)

	return p
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()

			return
		case req := <-p.reqs:
			g.Go(func() error {
				p.serve(req)

				return nil
			})
		}
	}
}

// serve performs the blocking steps (read + search) on a worker's own
// goroutine with its own buffer, then replies on the caller's result
// channel.
func (p *Pool) serve(req lookupRequest) {
	var buf shardstore.Buffer

	found, err := p.v.isBreachedInto(req.password, &buf)
	req.result <- lookupResult{found: found, err: err}
}

// IsBreached hands password to a pool worker and blocks for the answer, or
// returns ctx's error if it's cancelled first.
func (p *Pool) IsBreached(ctx context.Context, password string) (bool, error) {
	resultCh := make(chan lookupResult, 1)

	select {
	case p.reqs <- lookupRequest{password: password, result: resultCh}:
	case <-ctx.Done():
		return false, fmt.Errorf("verifier: pool submission: %w", ctx.Err())
	case <-p.done:
		return false, ErrPoolClosed
	}

	select {
	case res := <-resultCh:
		return res.found, res.err
	case <-ctx.Done():
		return false, fmt.Errorf("verifier: pool wait: %w", ctx.Err())
	}
}

// Close stops accepting new work and waits for in-flight lookups to finish.
func (p *Pool) Close() {
	p.cancel()
	<-p.done
}
