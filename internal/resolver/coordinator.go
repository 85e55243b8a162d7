// Package resolver drains the register VM's deferred off-chain lookups,
// batches them by resolver type, calls out to an external resolver, and
// feeds results back into the VM as ordinary mutations.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/bloomfilter/v2"

	"github.com/luxfi/hyperproj/internal/value"
	"github.com/luxfi/hyperproj/internal/vmerrors"
)

// bloomDedupThreshold is the batch size below which building a bloom
// filter costs more than just walking the exact dedup map directly.
const bloomDedupThreshold = 32

// Request is a single deferred lookup pushed by a handler instead of
// blocking the VM. CacheKey identifies where the result must be applied;
// Type selects which ExternalResolver handles it; Input is the token-like
// identifier (e.g. a mint address) being resolved.
type Request struct {
	CacheKey string
	Type     string
	Input    string

	// SubPath, if set, is extracted from a URL-style resolver's response
	// instead of returning the raw payload.
	SubPath string
}

// Result is what an ExternalResolver returns for one input.
type Result struct {
	Value []byte
	Err   error
}

// ExternalResolver performs the actual off-chain fetch for a batch of
// deduplicated inputs of a single resolver type.
type ExternalResolver interface {
	Resolve(ctx context.Context, resolverType string, inputs []string) (map[string]Result, error)
}

// VMApplier is the subset of *vm.VM the coordinator calls back into. It
// never touches state tables directly.
type VMApplier interface {
	ApplyResolverResult(cacheKey string, value []byte, err error)
}

// Config controls batching behavior.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 50 * time.Millisecond
	}
	return c
}

// Coordinator batches and dispatches Requests pulled from per-entity VMs.
// Exactly one Coordinator runs per engine; it is safe to call Submit from
// many goroutines concurrently (one per entity VM).
type Coordinator struct {
	cfg      Config
	resolver ExternalResolver
	log      log.Logger

	mu          sync.Mutex
	buffered    map[string][]pendingRequest // resolverType -> requests
	requeued    map[string]struct{}         // cacheKey+input already requeued once this batch
	failCounter map[string]uint64           // resolverType -> persistent failure count

	flush chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

type pendingRequest struct {
	req      Request
	applier  VMApplier
	requeues int
}

// NewCoordinator constructs a Coordinator. Call Run in its own goroutine
// to start the batching loop, and Submit from VM drain sites.
func NewCoordinator(cfg Config, r ExternalResolver, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Root()
	}
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		resolver:    r,
		log:         logger,
		buffered:    make(map[string][]pendingRequest),
		failCounter: make(map[string]uint64),
		flush:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Submit enqueues a deferred request. applier receives the eventual result
// via ApplyResolverResult. Never blocks on the external call.
func (c *Coordinator) Submit(req Request, applier VMApplier) {
	c.mu.Lock()
	c.buffered[req.Type] = append(c.buffered[req.Type], pendingRequest{req: req, applier: applier})
	full := len(c.buffered[req.Type]) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flush <- struct{}{}:
		default:
		}
	}
}

// Run drives the batching loop until ctx is cancelled. It drains any
// still-buffered requests before returning.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.drainAll(context.Background())
			return
		case <-ticker.C:
			c.drainAll(ctx)
		case <-c.flush:
			c.drainAll(ctx)
		}
	}
}

// Shutdown waits for the batching loop to exit after ctx cancellation,
// discarding results of any calls still in flight per §5's cancellation
// policy (in-flight resolver calls are not cancelled; their results are
// simply dropped once done is closed).
func (c *Coordinator) Shutdown() {
	<-c.done
	c.wg.Wait()
}

func (c *Coordinator) drainAll(ctx context.Context) {
	c.mu.Lock()
	batches := c.buffered
	c.buffered = make(map[string][]pendingRequest)
	c.mu.Unlock()

	for resolverType, reqs := range batches {
		if len(reqs) == 0 {
			continue
		}
		c.dispatch(ctx, resolverType, reqs)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, resolverType string, reqs []pendingRequest) {
	inputs := make([]string, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))

	// A batch large enough to make the bloom pre-filter worthwhile gets
	// one: a Contains() miss proves the input is new without touching
	// the exact map at all, and only a hit (true or false-positive)
	// falls through to seen's authoritative check.
	var pre *bloomfilter.Filter
	if len(reqs) >= bloomDedupThreshold {
		pre, _ = bloomfilter.NewOptimal(uint64(len(reqs)), 0.01)
	}

	for _, p := range reqs {
		if pre != nil {
			h := inputHash(p.req.Input)
			if !pre.Contains(h) {
				pre.Add(h)
				seen[p.req.Input] = true
				inputs = append(inputs, p.req.Input)
				continue
			}
		}
		if !seen[p.req.Input] {
			seen[p.req.Input] = true
			inputs = append(inputs, p.req.Input)
		}
	}

	results, err := c.resolver.Resolve(ctx, resolverType, inputs)
	if err != nil {
		c.mu.Lock()
		c.failCounter[resolverType]++
		c.mu.Unlock()
		vmerrors.Log(c.log, &vmerrors.ResolverError{ResolverType: resolverType, Input: joinInputs(inputs), Err: err})
		c.requeueOnce(reqs)
		return
	}

	for _, p := range reqs {
		res, ok := results[p.req.Input]
		if !ok || res.Err != nil {
			c.mu.Lock()
			c.failCounter[resolverType]++
			c.mu.Unlock()
			if p.requeues == 0 {
				c.requeueOnce([]pendingRequest{p})
				continue
			}
			errVal := res.Err
			if errVal == nil {
				errVal = ErrRequestCancelled
			}
			vmerrors.Log(c.log, &vmerrors.ResolverError{ResolverType: resolverType, Input: p.req.Input, Err: errVal})
			p.applier.ApplyResolverResult(p.req.CacheKey, nil, errVal)
			continue
		}
		value := extractSubPath(res.Value, p.req.SubPath)
		p.applier.ApplyResolverResult(p.req.CacheKey, value, nil)
	}
}

// requeueOnce re-submits requests that haven't been requeued before; a
// request is dropped with its failure already counted once it has.
func (c *Coordinator) requeueOnce(reqs []pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range reqs {
		if p.requeues > 0 {
			continue
		}
		p.requeues++
		c.buffered[p.req.Type] = append(c.buffered[p.req.Type], p)
	}
}

// inputHash adapts a resolver input string to the hash.Hash64 the bloom
// filter's Add/Contains expect.
func inputHash(input string) hash.Hash64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return h
}

// joinInputs renders a batch's inputs for a single ResolverError's
// Input field without flattening them all into the log line itself.
func joinInputs(inputs []string) string {
	if len(inputs) == 1 {
		return inputs[0]
	}
	return fmt.Sprintf("%d inputs", len(inputs))
}

// extractSubPath pulls a declared dotted JSON sub-path out of a
// URL-style resolver's raw response; an empty path, or a response that
// doesn't parse as JSON, returns the payload untouched.
func extractSubPath(raw []byte, path string) []byte {
	if path == "" {
		return raw
	}
	var v value.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	sub := v.Get(path)
	if sub.IsNull() {
		return raw
	}
	out, err := json.Marshal(sub)
	if err != nil {
		return raw
	}
	return out
}
