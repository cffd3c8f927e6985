package httptp

import (
	"net/http"
	"time"
)

// Options configures the HTTP transport behavior.
//
// Defaults:
// - Client:           http.DefaultClient
// - Timeout:          10s (used only if the incoming context has no deadline)
// - MaxResponseBytes: 0, unlimited
//
// All options are safe to leave zero-valued to use defaults.
type Options struct {
	Client           *http.Client
	Timeout          time.Duration
	Header           http.Header
	MaxResponseBytes int64
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Timeout: 10 * time.Second,
		Header:  http.Header{},
	}
}

func WithHTTPClient(c *http.Client) Option { return func(o *Options) { o.Client = c } }
func WithTimeout(d time.Duration) Option   { return func(o *Options) { o.Timeout = d } }
func WithMaxResponseBytes(n int64) Option  { return func(o *Options) { o.MaxResponseBytes = n } }
func WithHeader(key, value string) Option  { return func(o *Options) { o.Header.Add(key, value) } }
