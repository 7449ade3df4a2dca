// Package timer runs named, cancelable one-shot callbacks.
//
// A single goroutine owns the deadline heap and the name table; callers talk
// to it over a channel. Scheduling a name that is already pending replaces the
// earlier entry, whose action then never runs.
package timer

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("timer scheduler closed")

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOnFire registers a callback invoked with the entry name before each
// action runs.
func WithOnFire(fn func(name string)) Option {
	return func(s *Scheduler) { s.onFire = fn }
}

type entry struct {
	name     string
	deadline time.Time
	action   func()
	seq      uint64
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type opKind int

const (
	opSchedule opKind = iota
	opCancel
	opPending
)

type request struct {
	kind   opKind
	name   string
	delay  time.Duration
	action func()
	reply  chan any
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

type Scheduler struct {
	log    *zap.Logger
	onFire func(string)

	reqs chan request
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Owned by the loop goroutine.
	queue  entryHeap
	byName map[string]*entry
	seq    uint64

	running sync.WaitGroup
	locksMu sync.Mutex
	locks   map[string]*nameLock
}

// New starts a scheduler. Close must be called to release its goroutine.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:    zap.NewNop(),
		reqs:   make(chan request),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		byName: map[string]*entry{},
		locks:  map[string]*nameLock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// Schedule arms action to run once after delay under name, replacing any
// pending entry with the same name.
func (s *Scheduler) Schedule(name string, delay time.Duration, action func()) error {
	if s == nil {
		return errors.New("nil scheduler")
	}
	if action == nil {
		return errors.New("nil timer action")
	}
	_, err := s.call(request{kind: opSchedule, name: name, delay: delay, action: action})
	return err
}

// Cancel removes the pending entry for name and reports whether one existed.
// An action that already started is not interrupted.
func (s *Scheduler) Cancel(name string) bool {
	if s == nil {
		return false
	}
	v, err := s.call(request{kind: opCancel, name: name})
	if err != nil {
		return false
	}
	return v.(bool)
}

// Pending returns the names of armed entries, sorted.
func (s *Scheduler) Pending() []string {
	if s == nil {
		return nil
	}
	v, err := s.call(request{kind: opPending})
	if err != nil {
		return nil
	}
	return v.([]string)
}

// Close stops the loop, drops every pending entry and waits for running
// actions. It must not be called from inside an action.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.quit) })
	<-s.done
	s.running.Wait()
}

func (s *Scheduler) call(req request) (any, error) {
	req.reply = make(chan any, 1)
	select {
	case s.reqs <- req:
	case <-s.quit:
		return nil, ErrClosed
	}
	return <-req.reply, nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	for {
		var wake <-chan time.Time
		if len(s.queue) > 0 {
			d := time.Until(s.queue[0].deadline)
			if d < 0 {
				d = 0
			}
			t.Reset(d)
			wake = t.C
		}
		select {
		case <-s.quit:
			s.log.Debug("timer scheduler stopped", zap.Int("dropped", len(s.queue)))
			s.queue = nil
			s.byName = nil
			return
		case req := <-s.reqs:
			t.Stop()
			req.reply <- s.handle(req)
		case <-wake:
			s.fireDue(time.Now())
		}
	}
}

func (s *Scheduler) handle(req request) any {
	switch req.kind {
	case opSchedule:
		if old, ok := s.byName[req.name]; ok {
			heap.Remove(&s.queue, old.index)
		}
		s.seq++
		e := &entry{name: req.name, deadline: time.Now().Add(req.delay), action: req.action, seq: s.seq}
		heap.Push(&s.queue, e)
		s.byName[req.name] = e
		return nil
	case opCancel:
		old, ok := s.byName[req.name]
		if !ok {
			return false
		}
		heap.Remove(&s.queue, old.index)
		delete(s.byName, req.name)
		return true
	case opPending:
		names := make([]string, 0, len(s.byName))
		for n := range s.byName {
			names = append(names, n)
		}
		sort.Strings(names)
		return names
	}
	return nil
}

func (s *Scheduler) fireDue(now time.Time) {
	for len(s.queue) > 0 && !s.queue[0].deadline.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.byName, e.name)
		s.running.Add(1)
		go s.run(e)
	}
}

func (s *Scheduler) run(e *entry) {
	defer s.running.Done()
	l := s.acquire(e.name)
	defer s.release(e.name, l)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("timer action panicked", zap.String("timer", e.name), zap.Any("panic", r))
		}
	}()
	if s.onFire != nil {
		s.onFire(e.name)
	}
	s.log.Debug("timer fired", zap.String("timer", e.name))
	e.action()
}

func (s *Scheduler) acquire(name string) *nameLock {
	s.locksMu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &nameLock{}
		s.locks[name] = l
	}
	l.refs++
	s.locksMu.Unlock()
	l.mu.Lock()
	return l
}

func (s *Scheduler) release(name string, l *nameLock) {
	l.mu.Unlock()
	s.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, name)
	}
	s.locksMu.Unlock()
}
