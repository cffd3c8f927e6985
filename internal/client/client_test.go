package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	directive "github.com/hanpama/pollgraph/internal/directive"
	language "github.com/hanpama/pollgraph/internal/language"
	poller "github.com/hanpama/pollgraph/internal/poller"
)

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

// recordingExecutor keeps the formatted documents it was asked to run.
type recordingExecutor struct {
	mu   sync.Mutex
	docs []string
}

func (e *recordingExecutor) Execute(_ context.Context, doc *language.QueryDocument, _ string, _ map[string]any) (*poller.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = append(e.docs, language.Format(doc))
	return &poller.Result{Data: map[string]any{"n": len(e.docs)}}, nil
}

func (e *recordingExecutor) last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.docs) == 0 {
		return ""
	}
	return e.docs[len(e.docs)-1]
}

func TestQuery_ExecutesEffectiveDocument(t *testing.T) {
	exec := &recordingExecutor{}
	c := New(exec)
	defer c.Close()

	doc := mustParseQuery(t, `query Q($full: Boolean!) { a b @include(if: $full) }`)
	res, err := c.Query(context.Background(), doc, "Q", map[string]any{"full": false})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 1}, res.Data)

	want := language.Format(mustParseQuery(t, `query Q($full: Boolean!) { a }`))
	if diff := cmp.Diff(want, exec.last()); diff != "" {
		t.Fatalf("executed document mismatch (-want +got):\n%s", diff)
	}
}

func TestQuery_RewriteErrorIsNotExecuted(t *testing.T) {
	exec := &recordingExecutor{}
	c := New(exec)
	defer c.Close()

	_, err := c.Query(context.Background(), mustParseQuery(t, `{ a @skip(if: $x) }`), "", nil)
	var uerr *directive.UndefinedVariableError
	require.True(t, errors.As(err, &uerr), "got %v", err)
	require.Empty(t, exec.last())
}

func TestRegisterDirective_AppliesToQueryAndWatch(t *testing.T) {
	exec := &recordingExecutor{}
	c := New(exec)
	defer c.Close()

	require.NoError(t, c.RegisterDirective("hidden", func(language.Selection, map[string]any, *language.Directive) (directive.Result, error) {
		return directive.Remove(), nil
	}))
	doc := mustParseQuery(t, `{ a secret @hidden }`)
	want := language.Format(mustParseQuery(t, `{ a }`))

	_, err := c.Query(context.Background(), doc, "", nil)
	require.NoError(t, err)
	require.Equal(t, want, exec.last())

	oq, err := c.Watch(poller.Query{Document: doc, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	got := make(chan *poller.Result, 16)
	unsub := oq.Subscribe(poller.Observer{Next: func(r *poller.Result) {
		select {
		case got <- r:
		default:
		}
	}})
	defer unsub()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no result from watched query")
	}
	require.Equal(t, want, exec.last())
}

func TestPoll_StopAndClose(t *testing.T) {
	exec := &recordingExecutor{}
	c := New(exec, WithMaxConcurrency(1))

	var mu sync.Mutex
	var results int
	id, err := c.Poll(poller.Query{Document: mustParseQuery(t, `{ a }`), PollInterval: 5 * time.Millisecond}, func(*poller.Result, error) {
		mu.Lock()
		results++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return results >= 2
	}, time.Second, time.Millisecond)

	c.StopPolling(id)
	require.NoError(t, c.Close())
	_, err = c.Poll(poller.Query{Document: mustParseQuery(t, `{ a }`), PollInterval: time.Millisecond}, func(*poller.Result, error) {})
	require.ErrorIs(t, err, poller.ErrClosed)
}
