// Package client ties the directive registry, the rewriter and the polling
// scheduler to one Executor. Every document goes through the same registry,
// whether it is executed once or polled.
package client

import (
	"context"
	"fmt"
	"time"

	directive "github.com/hanpama/pollgraph/internal/directive"
	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	language "github.com/hanpama/pollgraph/internal/language"
	poller "github.com/hanpama/pollgraph/internal/poller"
	queryid "github.com/hanpama/pollgraph/internal/queryid"
	rewriter "github.com/hanpama/pollgraph/internal/rewriter"
)

// Options configures a Client.
type Options struct {
	Registry         *directive.Registry
	MaxConcurrency   int
	ExecutionTimeout time.Duration
}

type Option func(*Options)

func WithRegistry(r *directive.Registry) Option   { return func(o *Options) { o.Registry = r } }
func WithMaxConcurrency(n int) Option             { return func(o *Options) { o.MaxConcurrency = n } }
func WithExecutionTimeout(d time.Duration) Option { return func(o *Options) { o.ExecutionTimeout = d } }

type Client struct {
	exec     poller.Executor
	registry *directive.Registry
	sched    *poller.Scheduler
}

func New(exec poller.Executor, opts ...Option) *Client {
	o := &Options{}
	for _, f := range opts {
		f(o)
	}
	if o.Registry == nil {
		o.Registry = directive.NewRegistry()
	}
	return &Client{
		exec:     exec,
		registry: o.Registry,
		sched: poller.New(exec,
			poller.WithRegistry(o.Registry),
			poller.WithMaxConcurrency(o.MaxConcurrency),
			poller.WithExecutionTimeout(o.ExecutionTimeout),
		),
	}
}

// RegisterDirective adds a resolver for @name. It applies to documents
// registered or queried afterwards.
func (c *Client) RegisterDirective(name string, fn directive.Resolver) error {
	return c.registry.Register(name, fn)
}

// Query applies directives to doc and executes the result once.
func (c *Client) Query(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*poller.Result, error) {
	start := time.Now()
	effective, err := rewriter.Apply(doc, variables, rewriter.WithRegistry(c.registry))
	eventbus.Publish(ctx, events.DocumentRewritten{OperationName: operationName, Err: err, Duration: time.Since(start)})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return c.exec.Execute(ctx, effective, operationName, variables)
}

// Poll starts polling q; see poller.Scheduler.StartPollingQuery.
func (c *Client) Poll(q poller.Query, onResult func(*poller.Result, error)) (queryid.ID, error) {
	return c.sched.StartPollingQuery(q, onResult)
}

// StopPolling stops a registration returned by Poll; see
// poller.Scheduler.StopPollingQuery.
func (c *Client) StopPolling(id queryid.ID) { c.sched.StopPollingQuery(id) }

// Watch returns an ObservableQuery that polls q while it has subscribers.
func (c *Client) Watch(q poller.Query) (*poller.ObservableQuery, error) {
	return c.sched.RegisterPollingQuery(q)
}

// Close stops all polling and waits for running executions.
func (c *Client) Close() error { return c.sched.Close() }
