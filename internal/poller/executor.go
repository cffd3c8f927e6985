package poller

import (
	"context"

	"github.com/vektah/gqlparser/v2/gqlerror"

	language "github.com/hanpama/pollgraph/internal/language"
)

// Executor runs an effective query document and returns its result. It is the
// integration point for the transport that actually talks to a GraphQL
// service.
//
// Contract
//   - The document passed in has already had its directives applied and is
//     owned by the scheduler; implementations must not mutate it.
//   - Implementations MUST be safe for concurrent use. The Scheduler never runs
//     two executions of the same registration at once, but executions of
//     different registrations overlap freely.
//   - ctx carries the registration's queryid.ID (see queryid.FromContext) and
//     is canceled when the Scheduler is closed.
//   - A returned error is delivered to the registration's subscribers as is.
//     GraphQL errors reported by the service belong in Result.Errors instead.
type Executor interface {
	Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*Result, error) {
	return f(ctx, doc, operationName, variables)
}

// Result is a GraphQL response.
type Result struct {
	Data       any            `json:"data"`
	Errors     gqlerror.List  `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}
