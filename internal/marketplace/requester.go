package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
	"github.com/marketsync/marketsync/internal/metrics"
	"github.com/marketsync/marketsync/internal/observability"
)

// Defaults applied by NewRequester when the config leaves them empty.
const (
	DefaultAcceptLanguage    = "en-gb"
	DefaultConnectTimeout    = 2 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultTotalTimeout      = 70 * time.Second
	DefaultGlobalConcurrency = 8
	DefaultPenaltyFactor     = 0.5

	maxResponseBytes = 16 << 20
	// 404s are retried at most this many attempts when the call allows it.
	notFoundAttempts = 3
	// Tracker delays below this are not worth a sleep.
	minPaceDelay = 10 * time.Millisecond
)

// Config configures a Requester.
type Config struct {
	BaseURL        string
	Token          string
	UserAgent      string
	AcceptLanguage string
	ProxyURL       string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration

	// Limits holds one bucket per category. Nil means engine.DefaultLimits.
	Limits            map[core.Category]engine.RateLimit
	Breaker           engine.BreakerConfig
	PenaltyFactor     float64
	GlobalConcurrency int64
	Backoff           engine.Backoff

	Tracker    engine.Tracker
	Logger     *logging.Logger
	HTTPClient *http.Client
}

// Call describes one logical upstream request.
type Call struct {
	Method         string
	Path           string
	Params         url.Values
	Body           any
	Headers        map[string]string
	EndpointTag    string
	Category       core.Category
	IdempotencyKey string
	Allow404Retry  bool
	// MaxAttempts bounds retries; 0 retries until success or a fatal error.
	MaxAttempts   int
	RetryStatuses []int
}

// Response is a decoded 2xx response.
type Response struct {
	Status    int
	Header    http.Header
	JSON      any
	Text      string
	NoContent bool
}

// Object returns the JSON body as an object, if it is one.
func (r *Response) Object() (map[string]any, bool) {
	if r == nil {
		return nil, false
	}
	obj, ok := r.JSON.(map[string]any)
	return obj, ok
}

// Requester is the single gateway to the marketplace API. It owns one rate
// bucket and one circuit breaker per category.
type Requester struct {
	// Sleep and Clock are replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Clock func() time.Time

	baseURL   *url.URL
	token     string
	userAgent string
	language  string
	proxy     ProxyInfo

	client   *http.Client
	limiters map[core.Category]*engine.RateLimiter
	breakers map[core.Category]*engine.CircuitBreaker
	global   *semaphore.Weighted
	penalty  float64
	backoff  engine.Backoff
	tracker  engine.Tracker
	logger   *logging.Logger
}

// NewRequester validates cfg and builds the per-category state.
func NewRequester(cfg Config) (*Requester, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid marketplace base url %q", cfg.BaseURL)
	}

	limits := cfg.Limits
	if len(limits) == 0 {
		limits = engine.DefaultLimits
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.FailThreshold <= 0 {
		breakerCfg.FailThreshold = engine.DefaultBreakerConfig.FailThreshold
	}
	if breakerCfg.Cooldown <= 0 {
		breakerCfg.Cooldown = engine.DefaultBreakerConfig.Cooldown
	}

	r := &Requester{
		baseURL:   base,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: cfg.UserAgent,
		language:  cfg.AcceptLanguage,
		proxy:     RedactProxy(cfg.ProxyURL),
		limiters:  make(map[core.Category]*engine.RateLimiter, len(limits)),
		breakers:  make(map[core.Category]*engine.CircuitBreaker, len(limits)),
		penalty:   cfg.PenaltyFactor,
		backoff:   cfg.Backoff,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
	}
	if r.language == "" {
		r.language = DefaultAcceptLanguage
	}
	if r.penalty <= 0 || r.penalty >= 1 {
		r.penalty = DefaultPenaltyFactor
	}
	if r.backoff.Base <= 0 {
		r.backoff = engine.DefaultRequestBackoff
	}
	for category, limit := range limits {
		r.limiters[category] = engine.NewRateLimiter(limit)
		r.breakers[category] = engine.NewCircuitBreaker(breakerCfg)
	}

	global := cfg.GlobalConcurrency
	if global <= 0 {
		global = DefaultGlobalConcurrency
	}
	r.global = semaphore.NewWeighted(global)

	if cfg.HTTPClient != nil {
		r.client = cfg.HTTPClient
	} else {
		client, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		r.client = client
	}
	return r, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = DefaultReadTimeout
	}
	total := cfg.TotalTimeout
	if total <= 0 {
		total = DefaultTotalTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout:   connect * 5,
		ResponseHeaderTimeout: read,
		MaxIdleConnsPerHost:   DefaultGlobalConcurrency,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy := strings.TrimSpace(cfg.ProxyURL); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: total}, nil
}

// Limiter exposes a category bucket for inspection.
func (r *Requester) Limiter(category core.Category) *engine.RateLimiter {
	return r.limiters[category]
}

// Breaker exposes a category breaker for inspection.
func (r *Requester) Breaker(category core.Category) *engine.CircuitBreaker {
	return r.breakers[category]
}

// Send executes call with rate limiting, circuit breaking, and retries.
func (r *Requester) Send(ctx context.Context, call Call) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	call.Method = strings.ToUpper(strings.TrimSpace(call.Method))
	switch call.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return nil, ProtocolError(call.EndpointTag, "unsupported method %q", call.Method)
	}
	limiter, ok := r.limiters[call.Category]
	if !ok {
		return nil, ProtocolError(call.EndpointTag, "unknown category %q", call.Category)
	}
	breaker := r.breakers[call.Category]

	if err := r.pace(ctx, call); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			cooldown := breaker.RemainingCooldown()
			err := ProtocolError(call.EndpointTag, "circuit open for %s; retry after %.1fs", call.Category, cooldown.Seconds())
			err.Cooldown = cooldown
			return nil, err
		}

		resp, err := r.do(ctx, call, limiter, breaker, attempt)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var mErr *Error
		if !errors.As(err, &mErr) || !mErr.Retryable() {
			return nil, err
		}
		if call.MaxAttempts > 0 && attempt >= call.MaxAttempts {
			return nil, err
		}
		if mErr.Kind == KindNotFound && attempt >= notFoundAttempts {
			return nil, err
		}
		delay := r.backoff.Delay(attempt)
		// The 429 path has already waited out Retry-After; only the part of
		// the backoff it did not cover is left.
		if mErr.Kind == KindRateLimit {
			delay -= mErr.RetryAfter
			if delay <= 0 {
				continue
			}
		}
		r.log().Debug("http_retry",
			zap.String("endpoint_tag", call.EndpointTag),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// pace waits out the tracker's recommended delay before a fresh call.
// Retries are spaced by backoff and Retry-After instead.
func (r *Requester) pace(ctx context.Context, call Call) error {
	advisor, ok := r.tracker.(engine.DelayAdvisor)
	if !ok {
		return nil
	}
	delay := advisor.RecommendedDelay(call.EndpointTag)
	if delay < minPaceDelay {
		return nil
	}
	r.log().Debug("http_pace",
		zap.String("endpoint_tag", call.EndpointTag),
		zap.Int64("sleep_ms", delay.Milliseconds()))
	return r.sleep(ctx, delay)
}

func (r *Requester) do(ctx context.Context, call Call, limiter *engine.RateLimiter, breaker *engine.CircuitBreaker, attempt int) (*Response, error) {
	waited, err := limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if waited > 0 {
		metrics.RecordRateWait(string(call.Category), waited)
		r.log().Debug("rate_limit_wait",
			zap.String("endpoint_tag", call.EndpointTag),
			zap.String("category", string(call.Category)),
			zap.Int64("sleep_ms", waited.Milliseconds()))
	}

	req, err := r.buildRequest(ctx, call)
	if err != nil {
		return nil, err
	}

	r.log().Debug("http_request",
		zap.String("endpoint_tag", call.EndpointTag),
		zap.String("method", call.Method),
		zap.String("url", req.URL.String()),
		zap.Int("attempt", attempt),
		zap.Any("headers", RedactHeaders(req.Header)),
		zap.Any("proxy", r.proxy))

	if err := r.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	started := r.now()
	httpResp, err := r.client.Do(req)
	if err != nil {
		r.global.Release(1)
		elapsed := r.now().Sub(started)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.observe(call, core.OutcomeNetworkError, elapsed, 0)
		r.log().Warn("http_error",
			zap.String("endpoint_tag", call.EndpointTag),
			zap.Int("attempt", attempt),
			zap.Error(err))
		netErr := newError(KindNetwork, 0, call.EndpointTag, "transport failure")
		netErr.cause = err
		return nil, netErr
	}
	body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	_ = httpResp.Body.Close()
	r.global.Release(1)
	elapsed := r.now().Sub(started)

	contentType := httpResp.Header.Get("Content-Type")
	r.log().Debug("http_response",
		zap.String("endpoint_tag", call.EndpointTag),
		zap.Int("status", httpResp.StatusCode),
		zap.String("content_type", contentType),
		zap.Int64("elapsed_ms", elapsed.Milliseconds()),
		zap.String("cf_ray", httpResp.Header.Get("Cf-Ray")))

	if readErr != nil {
		r.observe(call, core.OutcomeNetworkError, elapsed, 0)
		netErr := newError(KindNetwork, httpResp.StatusCode, call.EndpointTag, "read body")
		netErr.cause = readErr
		return nil, netErr
	}

	if len(body) > maxResponseBytes {
		r.observe(call, core.OutcomeClientError, elapsed, 0)
		return nil, DataError(call.EndpointTag, "response body exceeds %d bytes", maxResponseBytes)
	}

	status := httpResp.StatusCode
	text := string(body)
	if status >= 200 && status < 300 {
		breaker.RecordSuccess()
		limiter.RecordOK()
		r.observe(call, core.OutcomeOK, elapsed, 0)
		return decodeResponse(call, httpResp, text)
	}

	mErr, outcome := classifyStatus(call, status, httpResp.Header, text)
	if status == http.StatusTooManyRequests {
		wait, ok := parseRetryAfter(httpResp.Header.Get("Retry-After"), r.now())
		if !ok {
			wait = DefaultRetryAfter
		}
		mErr.RetryAfter = wait
		limiter.Penalize(r.penalty)
		r.observe(call, outcome, elapsed, wait)
		r.log().Warn("http_rate_limited",
			zap.String("endpoint_tag", call.EndpointTag),
			zap.Duration("retry_after", wait),
			zap.Int("effective_max", limiter.Snapshot().EffectiveMax))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return nil, mErr
	}

	r.observe(call, outcome, elapsed, 0)
	if countsAsBreakerFailure(mErr) && breaker.RecordFailure() {
		metrics.RecordBreakerOpen(string(call.Category))
		r.log().Warn("circuit_open",
			zap.String("category", string(call.Category)),
			zap.Duration("cooldown", breaker.RemainingCooldown()))
	}
	return nil, mErr
}

func (r *Requester) buildRequest(ctx context.Context, call Call) (*http.Request, error) {
	target, err := r.resolve(call.Path)
	if err != nil {
		return nil, ProtocolError(call.EndpointTag, "invalid path %q", call.Path)
	}
	if len(call.Params) > 0 {
		query := target.Query()
		for key, values := range call.Params {
			query[key] = values
		}
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		payload, err := json.Marshal(call.Body)
		if err != nil {
			return nil, ProtocolError(call.EndpointTag, "encode body: %v", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", r.language)
	if r.token != "" {
		req.Header.Set("Authorization", r.token)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.IdempotencyKey != "" && call.Method != http.MethodGet {
		req.Header.Set("Idempotency-Key", call.IdempotencyKey)
	}
	for key, value := range call.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// resolve joins path onto the base URL; absolute URLs pass through.
func (r *Requester) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	joined := *r.baseURL
	joined.Path = strings.TrimRight(joined.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	joined.RawQuery = ref.RawQuery
	return &joined, nil
}

func decodeResponse(call Call, httpResp *http.Response, text string) (*Response, error) {
	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header}
	if httpResp.StatusCode == http.StatusNoContent {
		resp.NoContent = true
		return resp, nil
	}
	if looksLikeJSON(httpResp.Header.Get("Content-Type"), text) && strings.TrimSpace(text) != "" {
		decoder := json.NewDecoder(strings.NewReader(text))
		decoder.UseNumber()
		var payload any
		if err := decoder.Decode(&payload); err != nil {
			dataErr := DataError(call.EndpointTag, "decode json response")
			dataErr.Status = httpResp.StatusCode
			dataErr.Body = excerpt(text)
			dataErr.cause = err
			return nil, dataErr
		}
		resp.JSON = payload
		return resp, nil
	}
	resp.Text = strings.TrimSpace(text)
	return resp, nil
}

func (r *Requester) observe(call Call, outcome core.Outcome, elapsed, retryAfter time.Duration) {
	metrics.RecordRequest(string(call.Category), call.EndpointTag, string(outcome), elapsed)
	if r.tracker != nil {
		r.tracker.Observe(call.EndpointTag, outcome, elapsed, retryAfter)
	}
}

func (r *Requester) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return engine.Sleep(ctx, d)
}

func (r *Requester) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Requester) log() observability.EventLogger {
	return observability.Events(r.logger)
}
