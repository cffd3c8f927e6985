package poller

import (
	"time"

	directive "github.com/hanpama/pollgraph/internal/directive"
	"github.com/hanpama/pollgraph/internal/queryid"
)

// Options configures a Scheduler.
//
// Defaults:
// - Registry:         directive.NewRegistry() (skip and include)
// - MaxConcurrency:   0, no limit across registrations
// - ExecutionTimeout: 0, executions only end when the Executor returns
// - IDs:              the process-wide queryid generator
type Options struct {
	Registry         *directive.Registry
	MaxConcurrency   int
	ExecutionTimeout time.Duration
	IDs              *queryid.Generator
}

// Option mutates Options.
type Option func(*Options)

func WithRegistry(r *directive.Registry) Option { return func(o *Options) { o.Registry = r } }

// WithMaxConcurrency caps the number of executions running at once across all
// registrations. A tick that finds no free slot is skipped.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

func WithExecutionTimeout(d time.Duration) Option {
	return func(o *Options) { o.ExecutionTimeout = d }
}
func WithIDGenerator(g *queryid.Generator) Option { return func(o *Options) { o.IDs = g } }
