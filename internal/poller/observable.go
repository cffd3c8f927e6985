package poller

import (
	"sync"
	"sync/atomic"

	queryid "github.com/hanpama/pollgraph/internal/queryid"
)

// Observer receives the outcomes of a polled query. Either callback may be nil.
type Observer struct {
	Next  func(*Result)
	Error func(error)
}

// ObservableQuery adapts a polling registration to subscriptions. Polling
// starts with the first subscriber and stops when the last one unsubscribes;
// subscribing again starts a new registration with a new query ID.
type ObservableQuery struct {
	s *Scheduler
	p *prepared

	mu     sync.Mutex
	subs   []*subscriber
	id     queryid.ID
	active bool
	// gen counts started registrations; a delivery carries the gen it was
	// started with and is dropped once gen moves on.
	gen uint64
}

type subscriber struct {
	obs  Observer
	live atomic.Bool
}

// Subscribe adds obs and returns a function that removes it. The returned
// function may be called any number of times, including from inside obs's
// callbacks. If polling cannot start, obs.Error receives the reason.
func (o *ObservableQuery) Subscribe(obs Observer) (unsubscribe func()) {
	sub := &subscriber{obs: obs}
	sub.live.Store(true)

	o.mu.Lock()
	o.subs = append(o.subs, sub)
	if !o.active {
		o.gen++
		gen := o.gen
		id, err := o.s.start(o.p, func(res *Result, err error) { o.deliver(gen, res, err) })
		if err != nil {
			o.subs = o.subs[:len(o.subs)-1]
			o.mu.Unlock()
			sub.live.Store(false)
			if obs.Error != nil {
				obs.Error(err)
			}
			return func() {}
		}
		o.id, o.active = id, true
	}
	o.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { o.unsubscribe(sub) }) }
}

// QueryID returns the ID of the running registration, if any.
func (o *ObservableQuery) QueryID() (queryid.ID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id, o.active
}

func (o *ObservableQuery) unsubscribe(sub *subscriber) {
	sub.live.Store(false)

	o.mu.Lock()
	for i, s := range o.subs {
		if s == sub {
			o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
			break
		}
	}
	var stop queryid.ID
	last := o.active && len(o.subs) == 0
	if last {
		stop, o.active = o.id, false
	}
	o.mu.Unlock()

	// Unsubscribe may run inside deliver, which holds the registration's
	// delivery lock, so the stop does not wait. deliver checks gen instead.
	if last {
		o.s.stop(stop, false)
	}
}

// deliver fans one outcome of registration gen out to the subscribers that
// are still live. No lock is held while callbacks run.
func (o *ObservableQuery) deliver(gen uint64, res *Result, err error) {
	o.mu.Lock()
	if !o.active || o.gen != gen {
		o.mu.Unlock()
		return
	}
	subs := append([]*subscriber(nil), o.subs...)
	o.mu.Unlock()

	for _, sub := range subs {
		if !sub.live.Load() {
			continue
		}
		if err != nil {
			if sub.obs.Error != nil {
				sub.obs.Error(err)
			}
			continue
		}
		if sub.obs.Next != nil {
			sub.obs.Next(res)
		}
	}
}
