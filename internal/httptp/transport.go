package httptp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	language "github.com/hanpama/pollgraph/internal/language"
	poller "github.com/hanpama/pollgraph/internal/poller"
	queryid "github.com/hanpama/pollgraph/internal/queryid"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderQueryID   = "X-Query-ID"

	// bodyPreview bounds the response body kept in a StatusError.
	bodyPreview = 512
)

// Transport executes GraphQL documents against a single HTTP endpoint using
// the JSON POST encoding. It is safe for concurrent use.
type Transport struct {
	endpoint string
	opts     *Options
}

var _ poller.Executor = (*Transport)(nil)

func New(endpoint string, opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return &Transport{endpoint: endpoint, opts: o}
}

// Endpoint returns the URL requests are sent to.
func (t *Transport) Endpoint() string { return t.endpoint }

type request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Execute implements poller.Executor. GraphQL errors in a 2xx response are
// returned in the result, not as an error.
func (t *Transport) Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (res *poller.Result, err error) {
	if doc == nil {
		return nil, fmt.Errorf("httptp: nil document")
	}
	if _, has := ctx.Deadline(); !has && t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(request{Query: language.Format(doc), OperationName: operationName, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("httptp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httptp: %w", err)
	}
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/graphql-response+json, application/json")
	requestID := uuid.NewString()
	req.Header.Set(HeaderRequestID, requestID)
	if id, ok := queryid.FromContext(ctx); ok {
		req.Header.Set(HeaderQueryID, id.String())
	}

	start := time.Now()
	status := 0
	eventbus.Publish(ctx, events.HTTPClientStart{Endpoint: t.endpoint, OperationName: operationName, RequestID: requestID})
	defer func() {
		eventbus.Publish(ctx, events.HTTPClientFinish{
			Endpoint:      t.endpoint,
			OperationName: operationName,
			RequestID:     requestID,
			Status:        status,
			Err:           err,
			Duration:      time.Since(start),
		})
	}()

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	payload, err := t.read(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := payload
		if len(preview) > bodyPreview {
			preview = preview[:bodyPreview]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(preview))}
	}

	res = &poller.Result{}
	if err := json.Unmarshal(payload, res); err != nil {
		return nil, fmt.Errorf("httptp: decode response: %w", err)
	}
	return res, nil
}

func (t *Transport) read(r io.Reader) ([]byte, error) {
	limit := t.opts.MaxResponseBytes
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
