package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	directive "github.com/hanpama/pollgraph/internal/directive"
	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	language "github.com/hanpama/pollgraph/internal/language"
	queryid "github.com/hanpama/pollgraph/internal/queryid"
)

// fakeExecutor records executions and tracks how many run at once.
type fakeExecutor struct {
	delay time.Duration
	fn    func(ctx context.Context, opName string) (*Result, error)

	calls      atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32

	mu   sync.Mutex
	docs []string
	ids  []queryid.ID
}

func (f *fakeExecutor) Execute(ctx context.Context, doc *language.QueryDocument, opName string, vars map[string]any) (*Result, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	id, _ := queryid.FromContext(ctx)
	f.mu.Lock()
	f.docs = append(f.docs, language.Format(doc))
	f.ids = append(f.ids, id)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, opName)
	}
	return &Result{Data: map[string]any{"ok": true}}, nil
}

// recorder collects delivered outcomes.
type recorder struct {
	mu      sync.Mutex
	results []*Result
	errs    []error
}

func (r *recorder) onResult(res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.results = append(r.results, res)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results), len(r.errs)
}

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

func newQuery(t *testing.T, interval time.Duration) Query {
	t.Helper()
	return Query{Document: mustParseQuery(t, `{ a }`), PollInterval: interval}
}

func TestStartPollingQuery_Configuration(t *testing.T) {
	s := New(&fakeExecutor{})
	defer s.Close()
	rec := &recorder{}

	for _, interval := range []time.Duration{0, -time.Second} {
		_, err := s.StartPollingQuery(newQuery(t, interval), rec.onResult)
		var cerr *ConfigurationError
		require.True(t, errors.As(err, &cerr), "interval %v: got %v", interval, err)
		require.Contains(t, err.Error(), "cannot poll without an interval")
	}

	_, err := s.StartPollingQuery(Query{PollInterval: time.Second}, rec.onResult)
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))

	_, err = s.StartPollingQuery(newQuery(t, time.Second), nil)
	require.True(t, errors.As(err, &cerr))

	_, err = s.RegisterPollingQuery(newQuery(t, 0))
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, 0, s.Len())
}

func TestStartPollingQuery_RewriteErrorFailsFast(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec)
	defer s.Close()

	q := Query{Document: mustParseQuery(t, `query($x: Boolean) { a @skip(if: $x) }`), PollInterval: 5 * time.Millisecond}
	_, err := s.StartPollingQuery(q, (&recorder{}).onResult)
	var uerr *directive.UndefinedVariableError
	require.True(t, errors.As(err, &uerr), "got %v", err)
	require.Equal(t, 0, s.Len())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), exec.calls.Load())
}

func TestTick_ExecutesEffectiveDocument(t *testing.T) {
	exec := &fakeExecutor{}
	var ids queryid.Generator
	s := New(exec, WithIDGenerator(&ids))
	defer s.Close()

	q := Query{
		Document:     mustParseQuery(t, `query($omit: Boolean!) { a b @skip(if: $omit) }`),
		Variables:    map[string]any{"omit": true},
		PollInterval: 10 * time.Millisecond,
	}
	rec := &recorder{}
	id, err := s.StartPollingQuery(q, rec.onResult)
	require.NoError(t, err)
	require.Equal(t, queryid.ID(1), id)

	require.Eventually(t, func() bool { n, _ := rec.counts(); return n >= 1 }, time.Second, 5*time.Millisecond)
	s.StopPollingQuery(id)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	want := language.Format(mustParseQuery(t, `query($omit: Boolean!) { a }`))
	if diff := cmp.Diff(want, exec.docs[0]); diff != "" {
		t.Fatalf("executed document mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, id, exec.ids[0])
	rec.mu.Lock()
	require.Equal(t, map[string]any{"ok": true}, rec.results[0].Data)
	rec.mu.Unlock()
}

func TestTick_NoOverlappingExecutions(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var skipped atomic.Int32
	eventbus.On(bus, func(_ context.Context, e events.PollSkipped) {
		if e.Reason == "in-flight" {
			skipped.Add(1)
		}
	})

	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	s := New(exec)
	defer s.Close()

	id, err := s.StartPollingQuery(newQuery(t, 10*time.Millisecond), (&recorder{}).onResult)
	require.NoError(t, err)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, exec.running.Load(), int32(1))
		time.Sleep(2 * time.Millisecond)
	}
	s.StopPollingQuery(id)

	require.Equal(t, int32(1), exec.maxRunning.Load())
	require.LessOrEqual(t, exec.calls.Load(), int32(3))
	require.Greater(t, skipped.Load(), int32(0))
}

func TestTick_ExecutionCount(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec)
	defer s.Close()

	id, err := s.StartPollingQuery(newQuery(t, 20*time.Millisecond), (&recorder{}).onResult)
	require.NoError(t, err)
	time.Sleep(170 * time.Millisecond)
	s.StopPollingQuery(id)

	// floor(170/20) ticks, allowing for scheduler jitter.
	calls := exec.calls.Load()
	require.GreaterOrEqual(t, calls, int32(4))
	require.LessOrEqual(t, calls, int32(9))
}

func TestStopPollingQuery(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec)
	defer s.Close()

	rec := &recorder{}
	id, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), rec.onResult)
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _ := rec.counts(); return n >= 2 }, time.Second, time.Millisecond)

	s.StopPollingQuery(id)
	s.StopPollingQuery(id)
	require.Equal(t, 0, s.Len())
	require.False(t, s.InFlight(id))

	time.Sleep(10 * time.Millisecond)
	settled, _ := rec.counts()
	time.Sleep(50 * time.Millisecond)
	after, _ := rec.counts()
	require.Equal(t, settled, after)
}

func TestStopPollingQuery_RunningExecutionIsNotDelivered(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ string) (*Result, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &Result{Data: "late"}, nil
	}}
	s := New(exec)
	defer s.Close()

	rec := &recorder{}
	id, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), rec.onResult)
	require.NoError(t, err)

	<-entered
	require.True(t, s.InFlight(id))
	s.StopPollingQuery(id)
	require.False(t, s.InFlight(id))
	close(release)

	time.Sleep(30 * time.Millisecond)
	n, e := rec.counts()
	require.Equal(t, 0, n)
	require.Equal(t, 0, e)
	require.Equal(t, int32(1), exec.calls.Load())
}

func TestStopPollingQuery_WaitsForRunningDelivery(t *testing.T) {
	s := New(&fakeExecutor{})
	defer s.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered atomic.Int32
	id, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), func(*Result, error) {
		delivered.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, err)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.StopPollingQuery(id)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("StopPollingQuery returned while the callback was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopPollingQuery did not return")
	}
	n := delivered.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), n)
	require.Equal(t, n, delivered.Load())
}

func TestTick_ErrorsAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	exec := &fakeExecutor{fn: func(_ context.Context, opName string) (*Result, error) {
		if opName == "Failing" {
			return nil, boom
		}
		return &Result{Data: opName}, nil
	}}
	s := New(exec)
	defer s.Close()

	failing, healthy := &recorder{}, &recorder{}
	_, err := s.StartPollingQuery(Query{Document: mustParseQuery(t, `query Failing { a }`), OperationName: "Failing", PollInterval: 5 * time.Millisecond}, failing.onResult)
	require.NoError(t, err)
	_, err = s.StartPollingQuery(Query{Document: mustParseQuery(t, `query Healthy { a }`), OperationName: "Healthy", PollInterval: 5 * time.Millisecond}, healthy.onResult)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, fe := failing.counts()
		hn, _ := healthy.counts()
		return fe >= 3 && hn >= 3
	}, time.Second, time.Millisecond)

	failing.mu.Lock()
	require.ErrorIs(t, failing.errs[0], boom)
	require.Empty(t, failing.results)
	failing.mu.Unlock()
	_, he := healthy.counts()
	require.Equal(t, 0, he)
}

func TestTick_PanicIsDeliveredAsError(t *testing.T) {
	exec := &fakeExecutor{fn: func(context.Context, string) (*Result, error) { panic("kaboom") }}
	s := New(exec)
	defer s.Close()

	rec := &recorder{}
	_, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), rec.onResult)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, e := rec.counts(); return e >= 2 }, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var perr *PanicError
	require.True(t, errors.As(rec.errs[0], &perr))
	require.Equal(t, "kaboom", perr.Value)
}

func TestIndependentRegistrationsOfSameQuery(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	s := New(exec)
	defer s.Close()

	q := newQuery(t, 5*time.Millisecond)
	a, b := &recorder{}, &recorder{}
	idA, err := s.StartPollingQuery(q, a.onResult)
	require.NoError(t, err)
	idB, err := s.StartPollingQuery(q, b.onResult)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
	require.Equal(t, 2, s.Len())

	// Both registrations run at the same time: dedup is per registration.
	require.Eventually(t, func() bool { return exec.maxRunning.Load() == 2 }, time.Second, time.Millisecond)

	s.StopPollingQuery(idA)
	require.Equal(t, 1, s.Len())
	time.Sleep(30 * time.Millisecond)
	before, _ := b.counts()
	require.Eventually(t, func() bool { n, _ := b.counts(); return n > before }, time.Second, time.Millisecond)
}

func TestMaxConcurrency(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var limited atomic.Int32
	eventbus.On(bus, func(_ context.Context, e events.PollSkipped) {
		if e.Reason == "concurrency-limit" {
			limited.Add(1)
		}
	})

	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	s := New(exec, WithMaxConcurrency(1))
	defer s.Close()

	for range 3 {
		_, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), (&recorder{}).onResult)
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), exec.maxRunning.Load())
	require.Greater(t, limited.Load(), int32(0))
}

func TestExecutionTimeout(t *testing.T) {
	exec := &fakeExecutor{delay: time.Second}
	s := New(exec, WithExecutionTimeout(10*time.Millisecond))
	defer s.Close()

	rec := &recorder{}
	_, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), rec.onResult)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, e := rec.counts(); return e >= 1 }, time.Second, time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.ErrorIs(t, rec.errs[0], context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	exec := &fakeExecutor{delay: time.Minute}
	s := New(exec)

	rec := &recorder{}
	_, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), rec.onResult)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.running.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	require.Equal(t, int32(0), exec.running.Load())
	require.Equal(t, 0, s.Len())
	require.NoError(t, s.Close())

	_, err = s.StartPollingQuery(newQuery(t, time.Second), rec.onResult)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClose_WaitsForRunningDelivery(t *testing.T) {
	s := New(&fakeExecutor{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := s.StartPollingQuery(newQuery(t, 5*time.Millisecond), func(*Result, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)
	<-entered

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case <-done:
		t.Fatal("Close returned while the callback was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	require.True(t, finished.Load())
}
