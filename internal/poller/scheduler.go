package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	language "github.com/hanpama/pollgraph/internal/language"
	queryid "github.com/hanpama/pollgraph/internal/queryid"
	rewriter "github.com/hanpama/pollgraph/internal/rewriter"
)

// Query describes a query to poll. Two registrations of equal queries are
// still two independent registrations.
type Query struct {
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any
	PollInterval  time.Duration
}

// Scheduler runs registered queries on their interval. Each registration owns
// one ticker and at most one running execution; a tick that arrives while the
// previous execution is still running is skipped, not queued.
type Scheduler struct {
	exec   Executor
	opts   *Options
	nextID func() queryid.ID

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	polls    map[queryid.ID]*registration
	inFlight map[queryid.ID]*registration
	closed   bool
}

// prepared is a validated query together with its effective document.
type prepared struct {
	query     Query
	effective *language.QueryDocument
}

type registration struct {
	id       queryid.ID
	p        *prepared
	onResult func(*Result, error)
	stop     chan struct{}

	// deliverMu is held from the stopped check until onResult returns.
	deliverMu sync.Mutex
	stopped   atomic.Bool
}

// New creates a Scheduler that executes queries with exec.
func New(exec Executor, opts ...Option) *Scheduler {
	o := &Options{}
	for _, f := range opts {
		f(o)
	}
	s := &Scheduler{
		exec:     exec,
		opts:     o,
		nextID:   queryid.Next,
		polls:    make(map[queryid.ID]*registration),
		inFlight: make(map[queryid.ID]*registration),
	}
	if o.IDs != nil {
		s.nextID = o.IDs.Next
	}
	if o.MaxConcurrency > 0 {
		s.group.SetLimit(o.MaxConcurrency)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// StartPollingQuery validates q, applies its directives and starts polling it.
// onResult receives every outcome until the registration is stopped. It is
// called from the scheduler's goroutines, never concurrently for the same
// registration.
func (s *Scheduler) StartPollingQuery(q Query, onResult func(*Result, error)) (queryid.ID, error) {
	if onResult == nil {
		return 0, &ConfigurationError{Reason: "nil result callback"}
	}
	p, err := s.prepare(q)
	if err != nil {
		return 0, err
	}
	return s.start(p, onResult)
}

// RegisterPollingQuery validates q and returns an ObservableQuery that polls
// while it has subscribers.
func (s *Scheduler) RegisterPollingQuery(q Query) (*ObservableQuery, error) {
	p, err := s.prepare(q)
	if err != nil {
		return nil, err
	}
	return &ObservableQuery{s: s, p: p}, nil
}

// StopPollingQuery stops the registration id. Stopping an unknown or already
// stopped id does nothing. An execution that is running keeps running, but its
// outcome is not delivered.
//
// If onResult is running for id, StopPollingQuery waits for it to return, so
// nothing is delivered for id once it returns. For the same reason it must not
// be called from id's own onResult; that deadlocks. An ObservableQuery's
// unsubscribe function is safe to call from its callbacks.
func (s *Scheduler) StopPollingQuery(id queryid.ID) {
	s.stop(id, true)
}

// stop removes the registration id. With wait set it also waits for a
// delivery of id that is in progress.
func (s *Scheduler) stop(id queryid.ID, wait bool) {
	s.mu.Lock()
	reg, ok := s.polls[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	reg.stopped.Store(true)
	delete(s.polls, id)
	delete(s.inFlight, id)
	s.mu.Unlock()

	close(reg.stop)
	if wait {
		reg.deliverMu.Lock()
		reg.deliverMu.Unlock()
	}
	eventbus.Publish(s.ctx, events.PollStopped{QueryID: id})
}

// InFlight reports whether an execution of id is running.
func (s *Scheduler) InFlight(id queryid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// Len returns the number of active registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polls)
}

// Close stops every registration, cancels running executions and waits for
// them to return, including any onResult that is running. Close must not be
// called from inside an onResult or an Observer callback: it would wait for
// the very execution that called it and never return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	regs := make([]*registration, 0, len(s.polls))
	for _, reg := range s.polls {
		reg.stopped.Store(true)
		regs = append(regs, reg)
	}
	s.polls = make(map[queryid.ID]*registration)
	s.inFlight = make(map[queryid.ID]*registration)
	s.mu.Unlock()

	for _, reg := range regs {
		close(reg.stop)
		eventbus.Publish(s.ctx, events.PollStopped{QueryID: reg.id})
	}
	s.cancel()
	return s.group.Wait()
}

func (s *Scheduler) prepare(q Query) (*prepared, error) {
	if q.PollInterval <= 0 {
		return nil, &ConfigurationError{Reason: "cannot poll without an interval"}
	}
	if q.Document == nil {
		return nil, &ConfigurationError{Reason: "nil query document"}
	}
	var ropts []rewriter.Option
	if s.opts.Registry != nil {
		ropts = append(ropts, rewriter.WithRegistry(s.opts.Registry))
	}
	start := time.Now()
	effective, err := rewriter.Apply(q.Document, q.Variables, ropts...)
	eventbus.Publish(s.ctx, events.DocumentRewritten{OperationName: q.OperationName, Err: err, Duration: time.Since(start)})
	if err != nil {
		return nil, err
	}
	if q.Variables != nil {
		vars := make(map[string]any, len(q.Variables))
		for k, v := range q.Variables {
			vars[k] = v
		}
		q.Variables = vars
	}
	return &prepared{query: q, effective: effective}, nil
}

func (s *Scheduler) start(p *prepared, onResult func(*Result, error)) (queryid.ID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	reg := &registration{
		id:       s.nextID(),
		p:        p,
		onResult: onResult,
		stop:     make(chan struct{}),
	}
	s.polls[reg.id] = reg
	s.mu.Unlock()

	go s.run(reg)
	eventbus.Publish(s.ctx, events.PollStarted{QueryID: reg.id, OperationName: p.query.OperationName, Interval: p.query.PollInterval})
	return reg.id, nil
}

// run owns the registration's ticker until the registration is stopped.
func (s *Scheduler) run(reg *registration) {
	t := time.NewTicker(reg.p.query.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-reg.stop:
			return
		case <-t.C:
			s.tick(reg)
		}
	}
}

// tick starts an execution unless one is already running for reg. The check
// and the claim of the in-flight slot happen under one lock.
func (s *Scheduler) tick(reg *registration) {
	s.mu.Lock()
	if s.closed || s.polls[reg.id] != reg {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inFlight[reg.id]; busy {
		s.mu.Unlock()
		eventbus.Publish(s.ctx, events.PollSkipped{QueryID: reg.id, Reason: "in-flight"})
		return
	}
	if !s.group.TryGo(func() error { s.execute(reg); return nil }) {
		s.mu.Unlock()
		eventbus.Publish(s.ctx, events.PollSkipped{QueryID: reg.id, Reason: "concurrency-limit"})
		return
	}
	s.inFlight[reg.id] = reg
	s.mu.Unlock()
}

func (s *Scheduler) execute(reg *registration) {
	ctx := queryid.NewContext(s.ctx, reg.id)
	if s.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExecutionTimeout)
		defer cancel()
	}
	q := reg.p.query

	start := time.Now()
	eventbus.Publish(ctx, events.PollExecutionStart{QueryID: reg.id, OperationName: q.OperationName})
	res, err := s.call(ctx, reg)

	// Deliver before releasing the slot so that outcomes of one registration
	// never overtake each other.
	delivered := reg.deliver(res, err)
	eventbus.Publish(ctx, events.PollExecutionFinish{
		QueryID:       reg.id,
		OperationName: q.OperationName,
		Err:           err,
		Delivered:     delivered,
		Duration:      time.Since(start),
	})

	s.mu.Lock()
	if s.inFlight[reg.id] == reg {
		delete(s.inFlight, reg.id)
	}
	s.mu.Unlock()
}

// deliver hands an outcome to onResult unless reg was stopped. A stop that
// waits on deliverMu either sees the callback finish or prevents it.
func (reg *registration) deliver(res *Result, err error) bool {
	reg.deliverMu.Lock()
	defer reg.deliverMu.Unlock()
	if reg.stopped.Load() {
		return false
	}
	reg.onResult(res, err)
	return true
}

func (s *Scheduler) call(ctx context.Context, reg *registration) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &PanicError{Value: r}
		}
	}()
	q := reg.p.query
	return s.exec.Execute(ctx, reg.p.effective, q.OperationName, q.Variables)
}
