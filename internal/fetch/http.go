package fetch

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	HostRPS   float64 // initial per-host rate; <= 0 means 2 req/s
	Client    *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher downloads over HTTP(S) with per-host adaptive rate limiting.
// It makes one attempt per call; callers retry transient errors.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "eventimport/1.0"
	}
	if opts.HostRPS <= 0 {
		opts.HostRPS = 2
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	return &HTTPFetcher{client: client, opts: opts, limiters: make(map[string]*AdaptiveLimiter)}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		burst := max(int(f.opts.HostRPS), 1)
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.HostRPS), burst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads req.URL. Retryable statuses yield transient errors that
// carry the server's Retry-After.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	hreq.Header.Set("User-Agent", f.opts.UserAgent)
	applyAuth(hreq, req.Auth)

	lim := f.limiterFor(hreq.URL.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetch: rate limiter wait")
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch: get %s", hreq.URL.Redacted()), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
		zap.L().Warn("fetch: rate limited, reducing host rate",
			zap.String("host", hreq.URL.Host),
			zap.Float64("rate", float64(lim.Limit())),
		)
	}
	if resp.StatusCode/100 != 2 {
		return nil, resilience.NewHTTPError(
			eris.Errorf("fetch: unexpected status %d from %s", resp.StatusCode, hreq.URL.Redacted()), resp, time.Now())
	}
	lim.OnSuccess()

	if req.MaxSize > 0 && resp.ContentLength > req.MaxSize {
		return nil, eris.Wrapf(ErrTooLarge, "content length %s, limit is %s",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(req.MaxSize)))
	}
	data, err := readLimited(resp.Body, req.MaxSize)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		FileName:    dispositionName(resp.Header.Get("Content-Disposition")),
	}, nil
}

func applyAuth(r *http.Request, a model.AuthConfig) {
	switch a.Type {
	case model.AuthAPIKey:
		header := a.Header
		if header == "" {
			header = "X-API-Key"
		}
		r.Header.Set(header, a.Key)
	case model.AuthBearer:
		r.Header.Set("Authorization", "Bearer "+a.Token)
	case model.AuthBasic:
		r.SetBasicAuth(a.Username, a.Password)
	}
	for k, v := range a.CustomHeaders {
		r.Header.Set(k, v)
	}
}

func dispositionName(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if unquoted, err := strconv.Unquote(name); err == nil {
		name = unquoted
	}
	return name
}
