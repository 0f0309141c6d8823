package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/conneroisu/navkit/internal/config"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/logging"
	"github.com/conneroisu/navkit/internal/metrics"
	"github.com/conneroisu/navkit/internal/target"
)

// Fragment protocol headers.
const (
	HeaderRequestedWith = "X-Requested-With"
	RequestedWithXHR    = "XMLHttpRequest"
	HeaderPageTitle     = "X-Page-Title"
)

// maxFragmentBytes caps a single fragment body.
const maxFragmentBytes = 8 << 20

// Options configures a Fetcher.
type Options struct {
	Client        *http.Client
	Timeout       time.Duration
	UserAgent     string
	PrefetchRate  float64
	PrefetchBurst int
	Breaker       config.BreakerConfig
	Logger        logging.Logger
	Metrics       *metrics.Collector
}

// OptionsFromConfig maps the fetch section of the configuration.
func OptionsFromConfig(cfg config.FetchConfig) Options {
	return Options{
		Timeout:       cfg.Timeout,
		UserAgent:     cfg.UserAgent,
		PrefetchRate:  cfg.PrefetchRate,
		PrefetchBurst: cfg.PrefetchBurst,
		Breaker:       cfg.Breaker,
	}
}

// Result is a fragment plus where it came from.
type Result struct {
	Fragment  Fragment
	FromCache bool
	Joined    bool
}

// PrefetchStatus reports what a prefetch did.
type PrefetchStatus string

const (
	PrefetchCached    PrefetchStatus = "cached"
	PrefetchPending   PrefetchStatus = "pending"
	PrefetchThrottled PrefetchStatus = "throttled"
	PrefetchFetched   PrefetchStatus = "fetched"
	PrefetchFailed    PrefetchStatus = "failed"
)

// Fetcher is the read-through path to fragments: cache first, then a pending
// request for the same key, then the network. At most one request per key is
// outstanding at any time.
type Fetcher struct {
	origin  *url.URL
	cache   *Cache
	client  *http.Client
	timeout time.Duration
	agent   string
	logger  logging.Logger
	metrics *metrics.Collector

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	pendingMu sync.Mutex
	pending   map[string]int

	networkCalls int64
}

// NewFetcher creates a fetcher for fragments served by origin.
func NewFetcher(origin *url.URL, cache *Cache, opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("fetch_cache")

	f := &Fetcher{
		origin:  origin,
		cache:   cache,
		client:  client,
		timeout: opts.Timeout,
		agent:   opts.UserAgent,
		logger:  logger,
		metrics: opts.Metrics,
		pending: make(map[string]int),
	}

	if opts.PrefetchRate > 0 {
		burst := opts.PrefetchBurst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.PrefetchRate), burst)
	}

	if opts.Breaker.Enabled {
		threshold := opts.Breaker.ConsecutiveFailures
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fragment-fetch",
			MaxRequests: 1,
			Timeout:     opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Info(context.Background(), "Circuit breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				// A 4xx is the server answering, not the server failing.
				status := naverrors.StatusCode(err)
				return err == nil || (status >= 400 && status < 500)
			},
		})
	}

	return f
}

// Cache returns the underlying cache.
func (f *Fetcher) Cache() *Cache {
	return f.cache
}

// Origin returns the origin fragments are requested from.
func (f *Fetcher) Origin() *url.URL {
	return f.origin
}

// Fetch returns the fragment for t. A cache hit performs no network call; a
// miss joins the pending request for the same key or starts one. Every
// waiter of a shared request receives the same fragment or the same error,
// and failures are never cached. The shared request does not depend on any
// single caller's context: a caller giving up only stops its own wait.
func (f *Fetcher) Fetch(ctx context.Context, t target.Target) (Result, error) {
	key := t.Key()

	frag, ok := f.cache.Get(key)
	f.metrics.RecordCacheLookup(ok)
	if ok {
		f.logger.Debug(ctx, "Fragment served from cache", "key", key)
		return Result{Fragment: frag, FromCache: true}, nil
	}

	joined := f.enter(key)
	defer f.leave(key)
	if joined {
		f.metrics.RecordDedupJoin()
		f.logger.Debug(ctx, "Joined pending fragment request", "key", key)
	}

	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		// A request that finished between our cache miss and this flight
		// already stored the fragment.
		if frag, ok := f.cache.peek(key); ok {
			return frag, nil
		}
		return f.load(detached, t)
	})

	select {
	case <-ctx.Done():
		return Result{}, naverrors.NewFetchError(naverrors.CodeTimeout, "fetch abandoned", ctx.Err()).WithTarget(key)
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Fragment: res.Val.(Fragment), Joined: joined}, nil
	}
}

// load performs the network request and stores a successful fragment.
func (f *Fetcher) load(ctx context.Context, t target.Target) (Fragment, error) {
	key := t.Key()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	perf := logging.StartOperation(f.logger, "fetch_fragment")

	var frag Fragment
	var err error
	if f.breaker != nil {
		var out interface{}
		out, err = f.breaker.Execute(func() (interface{}, error) {
			return f.request(ctx, t)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = naverrors.NewFetchError(naverrors.CodeBreakerOpen, "fragment requests suspended", err).WithTarget(key)
		} else if err == nil {
			frag = out.(Fragment)
		}
	} else {
		frag, err = f.request(ctx, t)
	}

	if err != nil {
		perf.EndWithError(ctx, err)
		return Fragment{}, err
	}
	perf.End(ctx)

	return f.cache.Set(key, frag), nil
}

func (f *Fetcher) request(ctx context.Context, t target.Target) (Fragment, error) {
	key := t.Key()
	u := t.WithoutFragment().URL(f.origin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Fragment{}, naverrors.NewFetchError(naverrors.CodeTransport, "failed to build request", err).WithTarget(key)
	}
	req.Header.Set(HeaderRequestedWith, RequestedWithXHR)
	req.Header.Set("Accept", "text/html")
	if f.agent != "" {
		req.Header.Set("User-Agent", f.agent)
	}

	atomic.AddInt64(&f.networkCalls, 1)
	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordNetworkCall("error")
		code := naverrors.CodeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = naverrors.CodeTimeout
		}
		return Fragment{}, naverrors.NewFetchError(code, "fragment request failed", err).WithTarget(key)
	}
	defer resp.Body.Close()

	f.metrics.RecordNetworkCall(strconv.Itoa(resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxFragmentBytes))
		return Fragment{}, naverrors.NewStatusError(key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFragmentBytes))
	if err != nil {
		return Fragment{}, naverrors.NewFetchError(naverrors.CodeTransport, "failed to read fragment", err).WithTarget(key)
	}

	f.logger.Debug(ctx, "Fetched fragment", "key", key, "status", resp.StatusCode, "bytes", len(body))
	return Fragment{
		Key:         key,
		HTML:        string(body),
		HeaderTitle: resp.Header.Get(HeaderPageTitle),
	}, nil
}

// Prefetch warms the cache for t. It never fails the caller: errors are
// logged and reported through the returned status.
func (f *Fetcher) Prefetch(ctx context.Context, t target.Target) PrefetchStatus {
	key := t.Key()
	if _, ok := f.cache.peek(key); ok {
		return PrefetchCached
	}
	if f.Pending(key) {
		return PrefetchPending
	}
	if f.limiter != nil && !f.limiter.Allow() {
		f.metrics.RecordPrefetchDrop()
		f.logger.Debug(ctx, "Prefetch throttled", "key", key)
		return PrefetchThrottled
	}

	if _, err := f.Fetch(ctx, t); err != nil {
		f.logger.Warn(ctx, err, "Prefetch failed", "key", key)
		return PrefetchFailed
	}
	return PrefetchFetched
}

// Pending reports whether a request for key is outstanding.
func (f *Fetcher) Pending(key string) bool {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return f.pending[key] > 0
}

// InFlight lists keys with outstanding requests.
func (f *Fetcher) InFlight() []string {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	keys := make([]string, 0, len(f.pending))
	for k := range f.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NetworkCalls counts requests actually sent.
func (f *Fetcher) NetworkCalls() int64 {
	return atomic.LoadInt64(&f.networkCalls)
}

// BreakerState returns the circuit state, or "disabled".
func (f *Fetcher) BreakerState() string {
	if f.breaker == nil {
		return "disabled"
	}
	return f.breaker.State().String()
}

// enter registers a waiter for key and reports whether one was already there.
func (f *Fetcher) enter(key string) bool {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	joined := f.pending[key] > 0
	f.pending[key]++
	return joined
}

func (f *Fetcher) leave(key string) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	f.pending[key]--
	if f.pending[key] <= 0 {
		delete(f.pending, key)
	}
}

// String describes the fetcher for logs.
func (f *Fetcher) String() string {
	return fmt.Sprintf("fetcher(%s, breaker=%s)", f.origin, f.BreakerState())
}
