// Package collyfetcher implements hn.Transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	Version   string
	UserAgent string
	Timeout   time.Duration
}

// Waiter throttles outgoing requests. ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher performs single GETs against the versioned API root. It is stateless
// between calls apart from the shared connection pool.
type Fetcher struct {
	cfg           Config
	root          string
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the base collector's backend and visited store, so the
	// transport and timeout are configured once here.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = false
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	root := strings.TrimRight(cfg.BaseURL, "/")
	if v := strings.Trim(cfg.Version, "/"); v != "" {
		root += "/" + v
	}
	return &Fetcher{
		cfg:           cfg,
		root:          root,
		limiter:       limiter,
		baseCollector: c,
	}
}

// URL resolves an API path against the versioned root.
func (f *Fetcher) URL(path string) string {
	return f.root + "/" + strings.TrimLeft(path, "/")
}

// Get fetches one API path and returns the response body.
func (f *Fetcher) Get(ctx context.Context, path string) ([]byte, error) {
	url := f.URL(path)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, &hn.FetchError{Path: path, Err: fmt.Errorf("%w: %w", hn.ErrTransport, err)}
		}
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	finished, err := runCollector(ctx, collector, url)
	if !finished {
		return nil, &hn.FetchError{Path: path, Err: fmt.Errorf("%w: %w", hn.ErrTransport, err)}
	}
	if fetchErr == nil {
		fetchErr = err
	}
	if fetchErr != nil {
		return nil, &hn.FetchError{Path: path, Status: status, Err: fmt.Errorf("%w: %w", hn.ErrTransport, fetchErr)}
	}
	return body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector reports finished=false when ctx ended before Visit returned; the
// collector callbacks may still be running in that case.
func runCollector(ctx context.Context, collector *colly.Collector, url string) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		return true, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
	}
}
