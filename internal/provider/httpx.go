package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a vendor response we read.
const maxResponseBytes = 1 << 20 // 1 MB

// ErrTransport wraps DNS/TCP/TLS level failures.
var ErrTransport = errors.New("provider: transport error")

// fetchResult carries everything a probe needs from one HTTP exchange.
type fetchResult struct {
	body    []byte
	status  int
	latency time.Duration
}

// newHTTPClient builds the probe-standard HTTP client. The timeout doubles
// as a backstop for the per-call deadline carried in the context.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          1,
			MaxIdleConnsPerHost:   1,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// newLoopbackHTTPClient builds a client whose TLS verification is relaxed
// only when the dialed host is exactly 127.0.0.1. Companion apps serve
// self-signed certificates on loopback; every other host goes through
// normal verification.
func newLoopbackHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					host = addr
				}
				cfg := &tls.Config{ServerName: host}
				if host == "127.0.0.1" {
					cfg.InsecureSkipVerify = true
				}
				dialer := &tls.Dialer{Config: cfg}
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// timedRequest runs one HTTP exchange and reports body, status, and wall
// latency. The latency covers the failure path too, so probes can populate
// ResponseLatencyMs on every outcome.
func timedRequest(client *http.Client, req *http.Request) (*fetchResult, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return &fetchResult{latency: time.Since(start)}, ctxErr
		}
		return &fetchResult{latency: time.Since(start)}, errors.Join(ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	latency := time.Since(start)
	if err != nil {
		return &fetchResult{status: resp.StatusCode, latency: latency}, errors.Join(ErrTransport, err)
	}
	return &fetchResult{body: body, status: resp.StatusCode, latency: latency}, nil
}

// retryAfterHint extracts a human fragment from a 429 response, if the
// vendor sent one.
func retryAfterHint(header http.Header) string {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		return " (retry after " + v + ")"
	}
	return ""
}

// statusDescription maps an upstream HTTP status to the standard failure
// description used in unavailable results.
func statusDescription(vendor string, status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return vendor + " session invalid; re-authenticate to resume tracking"
	case status == http.StatusTooManyRequests:
		return vendor + " rate limited the usage endpoint"
	case status >= 500:
		return vendor + " service error (HTTP " + strconv.Itoa(status) + ")"
	default:
		return vendor + " returned unexpected HTTP " + strconv.Itoa(status)
	}
}
