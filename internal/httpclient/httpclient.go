// Package httpclient builds the pooled HTTP clients used by the external
// repository host and BI engine clients.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New returns a pooled client whose whole-request timeout is timeout.
// A non-positive timeout falls back to 30 seconds.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// WithTimeout returns a shallow copy of c sharing its transport but with a
// different whole-request timeout.
func WithTimeout(c *http.Client, timeout time.Duration) *http.Client {
	cp := *c
	cp.Timeout = timeout
	return &cp
}
