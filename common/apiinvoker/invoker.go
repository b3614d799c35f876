// Package apiinvoker performs the outbound HTTP calls made by api_job
// nodes, with SSRF protection and bounded retries.
package apiinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/services"
)

var blockedHostnames = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
	"::",
	"::ffff:127.0.0.1",
	"[::1]",
	"[::ffff:127.0.0.1]",
}

// Opts configures an invoker.
type Opts struct {
	Client         *http.Client
	Logger         *logger.Logger
	DefaultTimeout time.Duration // per-request bound when the node sets none (default 30s)
	MaxRetries     int           // on 5xx and transport errors (default 2)
	AllowPrivate   bool          // disable SSRF checks, for tests and local diagrams
}

// Invoker implements services.APIInvoker over net/http.
type Invoker struct {
	client         *http.Client
	log            *logger.Logger
	defaultTimeout time.Duration
	maxRetries     int
	allowPrivate   bool
}

// New creates an invoker.
func New(opts Opts) *Invoker {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Invoker{
		client:         opts.Client,
		log:            opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		maxRetries:     opts.MaxRetries,
		allowPrivate:   opts.AllowPrivate,
	}
}

var _ services.APIInvoker = (*Invoker)(nil)

// Invoke performs one HTTP call with validation and retries.
func (i *Invoker) Invoke(ctx context.Context, req services.HTTPRequest) (services.HTTPResponse, error) {
	if err := i.validateURL(req.URL); err != nil {
		return services.HTTPResponse{}, err
	}

	timeout := i.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return services.HTTPResponse{}, fmt.Errorf("encode request body: %w", err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return services.HTTPResponse{}, ctx.Err()
			}
		}

		resp, err := i.do(ctx, method, req, body)
		if err != nil {
			lastErr = err
			i.log.Warn("http call failed", "url", req.URL, "attempt", attempt, "error", err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < i.maxRetries {
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
			i.log.Warn("http call returned 5xx", "url", req.URL, "status", resp.StatusCode, "attempt", attempt)
			continue
		}
		return resp, nil
	}
	return services.HTTPResponse{}, fmt.Errorf("http call to %s failed after %d attempts: %w", req.URL, i.maxRetries+1, lastErr)
}

func (i *Invoker) do(ctx context.Context, method string, req services.HTTPRequest, body []byte) (services.HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reader)
	if err != nil {
		return services.HTTPResponse{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return services.HTTPResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return services.HTTPResponse{}, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return services.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
	}, nil
}

// validateURL enforces http(s) schemes and blocks loopback, private, and
// link-local targets unless AllowPrivate is set.
func (i *Invoker) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q, only http and https are allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url has no host")
	}
	if i.allowPrivate {
		return nil
	}

	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	for _, blocked := range blockedHostnames {
		if host == blocked {
			return fmt.Errorf("host %q is blocked", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return validateIP(ip)
	}
	// Resolution failures pass through; the request itself will fail.
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is blocked (loopback)", ip)
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is blocked (private network)", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("ip %s is blocked (link-local)", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is blocked (unspecified)", ip)
	}
	return nil
}
