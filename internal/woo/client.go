// Package woo is a small client for the WooCommerce REST API.  It only
// reads: products and orders filtered by product.  Requests are paced by
// a token bucket, retried on transient failures and decoded into strict
// types; meta values keep their raw JSON so callers decide how to read
// them.
package woo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/iliyamo/checkin-reconciler/internal/retry"
)

const (
	apiPrefix       = "/wp-json/wc/v3"
	maxResponseSize = 16 << 20
	defaultPerPage  = 50
	maxPages        = 1000
)

// Config holds everything needed to talk to one store.  It is built once
// at start-up and passed to NewClient.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	// PerPage is the page size for listings (max 100 on the API side).
	PerPage int
	// RequestDelay is the minimum gap between two requests.
	RequestDelay time.Duration
	Timeout      time.Duration
	Retry        retry.Policy
	HTTPClient   *http.Client
	Logger       *slog.Logger
	// AllowInsecure permits plain HTTP base URLs.  Only tests set it.
	AllowInsecure bool
}

// Client reads products and orders from the commerce API.
type Client struct {
	base    *url.URL
	key     string
	secret  string
	perPage int
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Policy
	log     *slog.Logger
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("woo: invalid base url %q", cfg.BaseURL)
	}
	if u.Scheme != "https" && !(cfg.AllowInsecure && u.Scheme == "http") {
		return nil, fmt.Errorf("woo: base url must use https, got %q", u.Scheme)
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("woo: consumer key and secret are required")
	}

	c := &Client{
		base:    u,
		key:     cfg.ConsumerKey,
		secret:  cfg.ConsumerSecret,
		perPage: cfg.PerPage,
		http:    cfg.HTTPClient,
		retry:   cfg.Retry,
		log:     cfg.Logger,
	}
	if c.perPage <= 0 || c.perPage > 100 {
		c.perPage = defaultPerPage
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = retry.DefaultPolicy()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if cfg.RequestDelay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.RequestDelay), 1)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if c.retry.Notify == nil {
		c.retry.Notify = func(err error, wait time.Duration) {
			c.log.Warn("woo request failed, retrying", "error", err, "wait", wait)
		}
	}
	return c, nil
}

// ListProducts returns every product in the store.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	return listAll[Product](ctx, c, "/products", nil)
}

// ListOrders returns every order containing a line item for productID.
func (c *Client) ListOrders(ctx context.Context, productID uint64) ([]Order, error) {
	q := url.Values{}
	q.Set("product", strconv.FormatUint(productID, 10))
	return listAll[Order](ctx, c, "/orders", q)
}

type pageResult[T any] struct {
	items      []T
	totalPages int
}

// listAll walks the pages of a listing one at a time.  The walk stops at
// X-WP-TotalPages, or at the first short page when the header is absent.
func listAll[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var out []T
	for page := 1; page <= maxPages; page++ {
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("page", strconv.Itoa(page))
		pq.Set("per_page", strconv.Itoa(c.perPage))

		res, err := retry.Do(ctx, c.retry, func(ctx context.Context) (pageResult[T], error) {
			var items []T
			hdr, err := c.get(ctx, path, pq, &items)
			if err != nil {
				return pageResult[T]{}, err
			}
			total, _ := strconv.Atoi(hdr.Get("X-WP-TotalPages"))
			return pageResult[T]{items: items, totalPages: total}, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res.items...)

		if res.totalPages > 0 {
			if page >= res.totalPages {
				return out, nil
			}
			continue
		}
		if len(res.items) < c.perPage {
			return out, nil
		}
	}
	return out, fmt.Errorf("woo: %s: more than %d pages", path, maxPages)
}

// get performs one paced GET and decodes the JSON body into dst.
func (c *Client) get(ctx context.Context, path string, q url.Values, dst any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.base
	u.Path = c.base.Path + apiPrefix + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("woo: build request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("woo: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("woo: read %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Path: path}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return nil, apiErr
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("woo: decode %s: %w", path, err)
	}
	return resp.Header, nil
}
