package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RateLimiters map[string]*rate.Limiter
}

// Rate adjustment factors for AdaptiveLimiter. The rate drifts up on
// success and collapses quickly on 429, staying within
// [initial/4, initial*2].
const (
	rateGrowth = 1.2
	rateDecay  = 0.5
)

// AdaptiveLimiter tunes a token bucket to whatever the host will bear.
// Agency servers publish no rate limit; 429 responses are the only
// signal.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	floor   rate.Limit
	ceiling rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		bucket:  rate.NewLimiter(initialRate, burst),
		floor:   initialRate / 4,
		ceiling: initialRate * 2,
		current: initialRate,
	}
}

// Wait blocks until the limiter admits an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.bucket.Wait(ctx)
}

// OnSuccess nudges the rate up toward the ceiling.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(a.current * rateGrowth)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(a.current * rateDecay)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.current)),
	)
}

func (a *AdaptiveLimiter) setRate(r rate.Limit) {
	if r > a.ceiling {
		r = a.ceiling
	}
	if r < a.floor {
		r = a.floor
	}
	a.current = r
	a.bucket.SetLimit(r)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// HTTPFetcher implements Fetcher over net/http with per-host rate
// limiting and retry on transient failures.
type HTTPFetcher struct {
	client           *http.Client
	opts             HTTPOptions
	limiters         map[string]*rate.Limiter
	adaptiveLimiters map[string]*AdaptiveLimiter
}

// DefaultRateLimiters covers the hosts the pipeline polls. USITC asks
// crawlers to stay conservative; the Federal Register API tolerates more.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"hts.usitc.gov":           rate.NewLimiter(5, 5),
		"dataweb.usitc.gov":       rate.NewLimiter(5, 5),
		"www.federalregister.gov": rate.NewLimiter(10, 10),
	}
}

// DefaultAdaptiveLimiters returns self-tuning limiters for the same hosts.
func DefaultAdaptiveLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"hts.usitc.gov":           NewAdaptiveLimiter(5, 5),
		"dataweb.usitc.gov":       NewAdaptiveLimiter(5, 5),
		"www.federalregister.gov": NewAdaptiveLimiter(10, 10),
	}
}

// NewHTTPFetcher creates an HTTPFetcher, filling zero options with
// defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tariff-cli/1.0"
	}

	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for host, lim := range opts.RateLimiters {
		limiters[host] = lim
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:             opts,
		limiters:         limiters,
		adaptiveLimiters: DefaultAdaptiveLimiters(),
	}
}

func (f *HTTPFetcher) adaptiveLimiterFor(rawURL string) *AdaptiveLimiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return f.adaptiveLimiters[u.Host]
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	if u, err := url.Parse(rawURL); err == nil {
		if lim, ok := f.limiters[u.Host]; ok {
			return lim
		}
	}
	return rate.NewLimiter(20, 20)
}

// throttle blocks on the adaptive limiter for the host when one exists,
// the fixed limiter otherwise. The returned limiter is nil when the host
// has no adaptive tuning.
func (f *HTTPFetcher) throttle(ctx context.Context, rawURL string) (*AdaptiveLimiter, error) {
	if adaptive := f.adaptiveLimiterFor(rawURL); adaptive != nil {
		if err := adaptive.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		return adaptive, nil
	}
	if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}
	return nil, nil
}

func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := req.URL.String()

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		adaptive, err := f.throttle(ctx, target)
		if err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil:
			lastErr = err
			zap.L().Warn("http request failed, retrying",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)

		case resp.StatusCode == http.StatusTooManyRequests:
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http 429 from %s", target)
			if adaptive != nil {
				adaptive.OnRateLimit()
			}
			zap.L().Warn("rate limited (429), backing off",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
			)

		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, target)
			zap.L().Warn("server error, retrying",
				zap.String("url", target),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)

		default:
			if adaptive != nil {
				adaptive.OnSuccess()
			}
			return resp, nil
		}

		f.backoff(ctx, attempt)
	}

	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	const (
		base       = time.Second
		maxBackoff = 30 * time.Second
	)
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Download fetches the URL and returns the response body, transcoded to
// UTF-8 when the content type declares a legacy charset.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	decoded, err := decodeTextBody(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return decoded, nil
}

// DownloadToFile fetches the URL and writes the body to path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}

// HeadETag performs a HEAD request and returns the ETag header value.
// An empty string means the host exposes no ETag for the resource.
func (f *HTTPFetcher) HeadETag(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "create head request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
		return "", eris.Wrap(err, "rate limiter wait")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "head request")
	}
	defer resp.Body.Close() //nolint:errcheck

	return resp.Header.Get("ETag"), nil
}

// DownloadIfChanged fetches the URL with If-None-Match. A 304 returns
// changed=false with the caller's etag, letting sync skip an unchanged
// schedule export.
func (f *HTTPFetcher) DownloadIfChanged(ctx context.Context, rawURL string, etag string) (io.ReadCloser, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", false, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	if err := f.limiterFor(rawURL).Wait(ctx); err != nil {
		return nil, "", false, eris.Wrap(err, "rate limiter wait")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", false, eris.Wrap(err, "download if changed")
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		_ = resp.Body.Close()
		return nil, etag, false, nil
	case http.StatusOK:
		return resp.Body, resp.Header.Get("ETag"), true, nil
	default:
		_ = resp.Body.Close()
		return nil, "", false, eris.Errorf("download if changed: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
}
