package fetchcache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/navkit/internal/config"
	naverrors "github.com/conneroisu/navkit/internal/errors"
	"github.com/conneroisu/navkit/internal/metrics"
	"github.com/conneroisu/navkit/internal/target"
)

// fragmentServer serves the fragment contract and counts requests. When gate
// is non-nil every request blocks until it is closed.
type fragmentServer struct {
	*httptest.Server
	calls   int64
	gate    chan struct{}
	status  int
	headers sync.Map // path -> X-Requested-With
}

func newFragmentServer(t *testing.T, gate chan struct{}, status int) *fragmentServer {
	fs := &fragmentServer{gate: gate, status: status}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fs.calls, 1)
		fs.headers.Store(r.URL.Path, r.Header.Get(HeaderRequestedWith))
		if fs.gate != nil {
			<-fs.gate
		}
		if fs.status != http.StatusOK {
			http.Error(w, "boom", fs.status)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set(HeaderPageTitle, "Title of "+r.URL.Path)
		_, _ = w.Write([]byte(`<div id="app">` + r.URL.RequestURI() + `</div>`))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fragmentServer) Calls() int64 {
	return atomic.LoadInt64(&fs.calls)
}

func newTestFetcher(t *testing.T, srv *fragmentServer, clock clockwork.Clock, opts Options) *Fetcher {
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)
	opts.Client = srv.Client()
	return NewFetcher(origin, NewCache(5*time.Minute, 16, clock), opts)
}

func (f *Fetcher) waiters(key string) int {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return f.pending[key]
}

func TestFetcher_DeduplicatesConcurrentRequests(t *testing.T) {
	gate := make(chan struct{})
	srv := newFragmentServer(t, gate, http.StatusOK)
	m := metrics.NewCollector("test")
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{Metrics: m})
	tgt := target.MustParse("/products?page=2")

	const callers = 5
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Fetch(context.Background(), tgt)
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.waiters(tgt.Key()) == callers && srv.Calls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.Pending(tgt.Key()))
	assert.Equal(t, []string{tgt.Key()}, f.InFlight())

	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), srv.Calls())
	assert.Equal(t, int64(1), f.NetworkCalls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, `<div id="app">/products?page=2</div>`, results[i].Fragment.HTML)
		assert.Equal(t, "Title of /products", results[i].Fragment.HeaderTitle)
	}
	assert.False(t, f.Pending(tgt.Key()))

	v, _ := srv.headers.Load("/products")
	assert.Equal(t, RequestedWithXHR, v)

	res, err := f.Fetch(context.Background(), tgt)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int64(1), srv.Calls())
}

func TestFetcher_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newFragmentServer(t, nil, http.StatusOK)
	f := newTestFetcher(t, srv, clock, Options{})
	tgt := target.MustParse("/a")

	_, err := f.Fetch(context.Background(), tgt)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	res, err := f.Fetch(context.Background(), tgt)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int64(1), srv.Calls())

	clock.Advance(time.Minute)
	res, err = f.Fetch(context.Background(), tgt)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), srv.Calls())
}

func TestFetcher_FragmentIgnoresHash(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusOK)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{})

	_, err := f.Fetch(context.Background(), target.MustParse("/doc#intro"))
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), target.MustParse("/doc#usage"))
	require.NoError(t, err)

	assert.True(t, res.FromCache)
	assert.Equal(t, int64(1), srv.Calls())
}

func TestFetcher_FailuresAreNotCached(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusInternalServerError)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{})
	tgt := target.MustParse("/broken")

	_, err := f.Fetch(context.Background(), tgt)
	require.Error(t, err)
	assert.True(t, naverrors.IsFetchError(err))
	assert.True(t, naverrors.ShouldFallback(err))
	assert.Equal(t, http.StatusInternalServerError, naverrors.StatusCode(err))
	assert.Equal(t, 0, f.Cache().Len())

	_, err = f.Fetch(context.Background(), tgt)
	require.Error(t, err)
	assert.Equal(t, int64(2), srv.Calls())
}

func TestFetcher_TransportError(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusOK)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{})
	srv.Close()

	_, err := f.Fetch(context.Background(), target.MustParse("/gone"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &naverrors.NavError{Kind: naverrors.KindFetch, Code: naverrors.CodeTransport})
}

func TestFetcher_CallerCancellationDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	srv := newFragmentServer(t, gate, http.StatusOK)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{})
	tgt := target.MustParse("/slow")

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, tgt)
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return f.waiters(tgt.Key()) == 1 }, time.Second, 5*time.Millisecond)

	var res Result
	var resErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, resErr = f.Fetch(context.Background(), tgt)
	}()

	require.Eventually(t, func() bool { return f.waiters(tgt.Key()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, naverrors.IsFetchError(<-abandoned))

	close(gate)
	<-done
	require.NoError(t, resErr)
	assert.True(t, res.Joined)
	assert.Equal(t, int64(1), srv.Calls())

	cached, ok := f.Cache().Get(tgt.Key())
	require.True(t, ok)
	assert.Equal(t, res.Fragment.HTML, cached.HTML)
}

func TestFetcher_Breaker(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusBadGateway)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{
		Breaker: config.BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute},
	})
	tgt := target.MustParse("/flaky")

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), tgt)
		require.Error(t, err)
	}
	assert.Equal(t, "open", f.BreakerState())

	_, err := f.Fetch(context.Background(), tgt)
	require.Error(t, err)
	assert.ErrorIs(t, err, &naverrors.NavError{Kind: naverrors.KindFetch, Code: naverrors.CodeBreakerOpen})
	assert.True(t, naverrors.ShouldFallback(err))
	assert.Equal(t, int64(2), srv.Calls(), "open breaker fails fast")
}

func TestFetcher_BreakerIgnoresClientErrors(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusNotFound)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{
		Breaker: config.BreakerConfig{Enabled: true, ConsecutiveFailures: 1, OpenTimeout: time.Minute},
	})

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), target.MustParse("/missing"))
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, naverrors.StatusCode(err))
	}
	assert.Equal(t, "closed", f.BreakerState())
}

func TestFetcher_Prefetch(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusOK)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{PrefetchRate: 0.001, PrefetchBurst: 1})

	assert.Equal(t, PrefetchFetched, f.Prefetch(context.Background(), target.MustParse("/one")))
	assert.Equal(t, PrefetchCached, f.Prefetch(context.Background(), target.MustParse("/one")))
	assert.Equal(t, PrefetchThrottled, f.Prefetch(context.Background(), target.MustParse("/two")))
	assert.Equal(t, int64(1), srv.Calls())

	res, err := f.Fetch(context.Background(), target.MustParse("/one"))
	require.NoError(t, err)
	assert.True(t, res.FromCache, "prefetch populates the cache")
}

func TestFetcher_PrefetchFailureIsSwallowed(t *testing.T) {
	srv := newFragmentServer(t, nil, http.StatusServiceUnavailable)
	f := newTestFetcher(t, srv, clockwork.NewFakeClock(), Options{})

	assert.Equal(t, PrefetchFailed, f.Prefetch(context.Background(), target.MustParse("/down")))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Fetch
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.Timeout, opts.Timeout)
	assert.Equal(t, cfg.Breaker, opts.Breaker)
	assert.True(t, errors.Is(naverrors.NewStatusError("/x", 500), naverrors.ErrFetch))
}
