package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketsync/marketsync/internal/core"
	"github.com/marketsync/marketsync/internal/core/engine"
)

// PageMode selects how the paginator advances.
type PageMode string

const (
	// PageModePage sends page and page-size, then follows next links.
	PageModePage PageMode = "page"
	// PageModeCursor sends the cursor taken from the next link's query.
	PageModeCursor PageMode = "cursor"
)

const (
	DefaultPageSize           = 100
	DefaultMaxAttemptsPerPage = 12
	// Used when no page count is known up front.
	defaultPageGuard = 100
	guardMultiplier  = 5
)

// ErrPaginationFailed marks page exhaustion and guard trips.
var ErrPaginationFailed = errors.New("pagination failed")

// PageRequest describes a sequential scan.
type PageRequest struct {
	Path               string
	Category           core.Category
	EndpointTag        string
	Mode               PageMode
	PageSize           int
	PageParam          string
	SizeParam          string
	CursorParam        string
	Params             url.Values
	MaxAttemptsPerPage int
	// MaxPages overrides the computed guard.
	MaxPages       int
	InterPageDelay time.Duration
	Backoff        engine.Backoff
}

// Page is one decoded page payload.
type Page struct {
	Index    int
	Count    int
	HasCount bool
	Next     string
	Results  []any
	Raw      map[string]any
}

// Paginate fetches every page sequentially. Each page is retried on
// retryable errors; exhausting retries or tripping the guard is fatal.
func (r *Requester) Paginate(ctx context.Context, req PageRequest) ([]Page, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = withPageDefaults(req)

	var pacer *rate.Limiter
	if req.InterPageDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(req.InterPageDelay), 1)
	}

	r.log().Info("paginate_start",
		zap.String("endpoint_tag", req.EndpointTag),
		zap.String("path", req.Path),
		zap.String("mode", string(req.Mode)),
		zap.Int("page_size", req.PageSize))

	var (
		pages         []Page
		expectedPages int
		target        = req.Path
		params        = firstPageParams(req)
	)

	for {
		index := len(pages) + 1
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return pages, err
			}
		}

		page, err := r.fetchPage(ctx, req, target, params, index)
		if err != nil {
			return pages, err
		}
		pages = append(pages, page)

		if expectedPages == 0 && index == 1 && page.HasCount {
			expectedPages = (page.Count + req.PageSize - 1) / req.PageSize
			if expectedPages < 1 {
				expectedPages = 1
			}
		}

		r.log().Debug("paginate_page_ok",
			zap.String("endpoint_tag", req.EndpointTag),
			zap.Int("page_index", index),
			zap.Int("expected_pages", expectedPages),
			zap.Int("results_count", len(page.Results)))

		if page.Next == "" {
			r.log().Info("paginate_complete",
				zap.String("endpoint_tag", req.EndpointTag),
				zap.Int("pages", len(pages)),
				zap.Int("expected_pages", expectedPages))
			return pages, nil
		}

		guard := pageGuard(req, expectedPages)
		if len(pages) >= guard {
			r.log().Error("paginate_guard_tripped",
				zap.String("endpoint_tag", req.EndpointTag),
				zap.Int("page_index", index),
				zap.Int("guard", guard))
			return pages, fmt.Errorf("%w: pagination guard tripped at page %d", ErrPaginationFailed, index)
		}

		target, params, err = nextTarget(req, page.Next)
		if err != nil {
			return pages, err
		}
	}
}

func (r *Requester) fetchPage(ctx context.Context, req PageRequest, target string, params url.Values, index int) (Page, error) {
	var lastErr error
	for attempt := 1; attempt <= req.MaxAttemptsPerPage; attempt++ {
		resp, err := r.Send(ctx, Call{
			Method:      http.MethodGet,
			Path:        target,
			Params:      params,
			EndpointTag: req.EndpointTag,
			Category:    req.Category,
			MaxAttempts: 1,
		})
		if err == nil {
			return decodePage(req.EndpointTag, resp, index)
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		cooldown := circuitCooldown(err)
		if !IsRetryable(err) && cooldown == 0 {
			r.log().Error("paginate_page_failed",
				zap.String("endpoint_tag", req.EndpointTag),
				zap.Int("page_index", index),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return Page{}, fmt.Errorf("page %d: %w", index, err)
		}

		lastErr = err
		if attempt == req.MaxAttemptsPerPage {
			break
		}
		// An open circuit spends a page attempt and waits out the cooldown.
		delay := max(req.Backoff.Delay(attempt), cooldown)
		r.log().Warn("paginate_page_retry",
			zap.String("endpoint_tag", req.EndpointTag),
			zap.Int("page_index", index),
			zap.Int("attempt", attempt),
			zap.Int64("delay_ms", delay.Milliseconds()),
			zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return Page{}, err
		}
	}

	r.log().Error("paginate_page_failed",
		zap.String("endpoint_tag", req.EndpointTag),
		zap.Int("page_index", index),
		zap.Int("attempts", req.MaxAttemptsPerPage),
		zap.Error(lastErr))
	return Page{}, fmt.Errorf("%w at page %d after %d attempts: %w", ErrPaginationFailed, index, req.MaxAttemptsPerPage, lastErr)
}

func circuitCooldown(err error) time.Duration {
	var mErr *Error
	if errors.As(err, &mErr) && mErr.Kind == KindProtocol {
		return mErr.Cooldown
	}
	return 0
}

func decodePage(tag string, resp *Response, index int) (Page, error) {
	obj, ok := resp.Object()
	if !ok {
		return Page{}, DataError(tag, "page %d: expected JSON object page", index)
	}
	page := Page{Index: index, Raw: obj}

	raw, present := obj["results"]
	if !present {
		return Page{}, DataError(tag, "page %d: results is missing", index)
	}
	switch results := raw.(type) {
	case nil:
	case []any:
		page.Results = results
	default:
		return Page{}, DataError(tag, "page %d: results is not a list", index)
	}

	if count, ok := countField(obj["count"]); ok {
		page.Count = count
		page.HasCount = true
	}
	if next, ok := obj["next"].(string); ok {
		page.Next = next
	}
	return page, nil
}

func countField(value any) (int, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		return n, err == nil
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	case int:
		return v, true
	}
	return 0, false
}

func withPageDefaults(req PageRequest) PageRequest {
	if req.Mode == "" {
		req.Mode = PageModePage
	}
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	if req.PageParam == "" {
		req.PageParam = "page"
	}
	if req.SizeParam == "" {
		req.SizeParam = "page-size"
	}
	if req.CursorParam == "" {
		req.CursorParam = "cursor"
	}
	if req.MaxAttemptsPerPage <= 0 {
		req.MaxAttemptsPerPage = DefaultMaxAttemptsPerPage
	}
	if req.Backoff.Base <= 0 {
		req.Backoff = engine.DefaultPageBackoff
	}
	return req
}

func firstPageParams(req PageRequest) url.Values {
	params := url.Values{}
	for key, values := range req.Params {
		params[key] = append([]string(nil), values...)
	}
	params.Set(req.SizeParam, strconv.Itoa(req.PageSize))
	if req.Mode == PageModePage {
		params.Set(req.PageParam, "1")
	}
	return params
}

// nextTarget follows next as-is in page mode. Cursor mode re-issues the base
// path with the cursor extracted from next.
func nextTarget(req PageRequest, next string) (string, url.Values, error) {
	if req.Mode != PageModeCursor {
		return next, nil, nil
	}
	parsed, err := url.Parse(next)
	if err != nil {
		return "", nil, DataError(req.EndpointTag, "invalid next link %q", next)
	}
	cursor := parsed.Query().Get(req.CursorParam)
	if cursor == "" {
		return "", nil, DataError(req.EndpointTag, "next link has no %s", req.CursorParam)
	}
	params := url.Values{}
	for key, values := range req.Params {
		params[key] = append([]string(nil), values...)
	}
	params.Set(req.SizeParam, strconv.Itoa(req.PageSize))
	params.Set(req.CursorParam, cursor)
	return req.Path, params, nil
}

func pageGuard(req PageRequest, expectedPages int) int {
	if req.MaxPages > 0 {
		return req.MaxPages
	}
	if req.Mode == PageModePage && expectedPages > 0 {
		return expectedPages * guardMultiplier
	}
	return defaultPageGuard
}

// CollectResults flattens page results. When the first page reported a
// count, the collected total must match it.
func CollectResults(tag string, pages []Page) ([]any, error) {
	var items []any
	for _, page := range pages {
		items = append(items, page.Results...)
	}
	if len(pages) > 0 && pages[0].HasCount && pages[0].Count != len(items) {
		return items, DataError(tag, "count mismatch: expected %d, collected %d", pages[0].Count, len(items))
	}
	return items, nil
}
