package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/oiwn/FetchBox/internal/proxy"
	"github.com/oiwn/FetchBox/internal/retry"
	"github.com/oiwn/FetchBox/internal/task"
)

// defaultUserAgent is sent when the task supplies no User-Agent header.
const defaultUserAgent = "FetchBox/0.1.0"

// Result is a successful download: the caller owns Body and must close it.
type Result struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Downloader fetches a resource through the given endpoint. Failures
// are always *task.Failure values.
type Downloader interface {
	Fetch(ctx context.Context, rawURL string, headers []task.Header, endpoint proxy.Endpoint) (*Result, error)
}

// Options tune the HTTP downloader.
type Options struct {
	// Timeout bounds one whole fetch, headers included. Zero means 60s.
	Timeout time.Duration
	// UserAgent overrides the default when set.
	UserAgent string
	// MaxRedirects caps redirect following; zero means 10.
	MaxRedirects int
}

// HTTPDownloader implements Downloader over net/http with one client
// per proxy endpoint, so transports and their connection pools are
// reused across tasks hitting the same egress.
type HTTPDownloader struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPDownloader builds a downloader with a fresh client cache.
func NewHTTPDownloader(opts Options) *HTTPDownloader {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	return &HTTPDownloader{opts: opts, clients: make(map[string]*http.Client)}
}

func (d *HTTPDownloader) client(endpoint proxy.Endpoint) (*http.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := endpoint.URL
	if c, ok := d.clients[key]; ok {
		return c, nil
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if !endpoint.Direct() {
		proxyURL, err := url.Parse(endpoint.URL)
		if err != nil {
			return nil, task.NewFailure(task.PhaseDownload, task.CodeDownloadMalformedURL, false,
				fmt.Sprintf("proxy url %q: %v", endpoint.URL, err))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	maxRedirects := d.opts.MaxRedirects
	c := &http.Client{
		Transport: transport,
		Timeout:   d.opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	d.clients[key] = c
	return c, nil
}

// Fetch downloads rawURL through endpoint. On non-2xx the body is
// drained and closed and a classified status failure is returned.
func (d *HTTPDownloader) Fetch(ctx context.Context, rawURL string, headers []task.Header, endpoint proxy.Endpoint) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, task.NewFailure(task.PhaseDownload, task.CodeDownloadMalformedURL, false,
			fmt.Sprintf("url %q is not fetchable", rawURL))
	}
	client, err := d.client(endpoint)
	if err != nil {
		return nil, task.AsFailure(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, task.NewFailure(task.PhaseDownload, task.CodeDownloadMalformedURL, false, err.Error())
	}
	req.Header.Set("User-Agent", d.userAgent())
	// First occurrence of a name replaces any default; repeats append,
	// since task headers are an ordered list with duplicates allowed.
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		name := http.CanonicalHeaderKey(h.Name)
		if seen[name] {
			req.Header.Add(h.Name, h.Value)
			continue
		}
		seen[name] = true
		req.Header.Set(h.Name, h.Value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		f := task.NewFailure(task.PhaseDownload, task.CodeDownloadHTTPStatus,
			retry.RetryableStatus(resp.StatusCode),
			fmt.Sprintf("GET %s: %s", rawURL, resp.Status))
		f.HTTPStatus = resp.StatusCode
		return nil, f
	}
	return &Result{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

func (d *HTTPDownloader) userAgent() string {
	if d.opts.UserAgent != "" {
		return d.opts.UserAgent
	}
	return defaultUserAgent
}

// classifyTransport maps a transport-level error into the download
// failure taxonomy. Timeouts and connection faults are retryable; DNS
// failures are retryable too since resolvers recover.
func classifyTransport(err error) *task.Failure {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		f := task.NewFailure(task.PhaseDownload, task.CodeDownloadDNS, true, dnsErr.Error())
		f.Cause = err
		return f
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		f := task.NewFailure(task.PhaseDownload, task.CodeDownloadTimeout, true, err.Error())
		f.Cause = err
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		f := task.NewFailure(task.PhaseDownload, task.CodeDownloadTimeout, true, err.Error())
		f.Cause = err
		return f
	}
	if errors.Is(err, context.Canceled) {
		return task.SystemFailure("fetch canceled", err)
	}
	f := task.NewFailure(task.PhaseDownload, task.CodeDownloadConnection, true, err.Error())
	f.Cause = err
	return f
}
