package server

import (
	"log/slog"
	"sync"
)

const (
	subscriberQueue = 64
	eventQueue      = 256
)

type subscriber struct {
	ch chan Event
}

// hub owns the subscriber set and the running-jobs map. Both are touched only
// by the run goroutine; everything else reaches them through channels.
type hub struct {
	events chan Event
	ops    chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	subs    map[*subscriber]struct{}
	jobs    map[string]*job
	closing bool
	drained chan struct{}
}

func newHub(logger *slog.Logger) *hub {
	h := &hub{
		events: make(chan Event, eventQueue),
		ops:    make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		jobs:   make(map[string]*job),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case ev := <-h.events:
			h.fanout(ev)
		case op := <-h.ops:
			op()
		case <-h.quit:
			for {
				select {
				case ev := <-h.events:
					h.fanout(ev)
				default:
					h.closeAll()
					return
				}
			}
		}
	}
}

// fanout never blocks: a subscriber whose queue is full is dropped.
func (h *hub) fanout(ev Event) {
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("dropping slow subscriber", "event", ev.Kind.String())
			h.drop(s)
		}
	}
}

func (h *hub) drop(s *subscriber) {
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) closeAll() {
	for s := range h.subs {
		h.drop(s)
	}
}

// call runs fn on the hub goroutine and waits for it. It reports false once
// the hub has stopped.
func (h *hub) call(fn func()) bool {
	ack := make(chan struct{})
	select {
	case h.ops <- func() { fn(); close(ack) }:
		<-ack
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) broadcast(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// subscribe registers a subscriber whose first event is first. It returns
// nil when the hub is closing.
func (h *hub) subscribe(first Event) *subscriber {
	var s *subscriber
	h.call(func() {
		if h.closing {
			return
		}
		s = &subscriber{ch: make(chan Event, subscriberQueue)}
		s.ch <- first
		h.subs[s] = struct{}{}
	})
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.call(func() { h.drop(s) })
}

func (h *hub) addJob(j *job) bool {
	ok := false
	h.call(func() {
		if h.closing {
			return
		}
		h.jobs[j.id] = j
		ok = true
	})
	return ok
}

func (h *hub) removeJob(id string) {
	h.call(func() {
		delete(h.jobs, id)
		if h.closing && len(h.jobs) == 0 && h.drained != nil {
			close(h.drained)
			h.drained = nil
		}
	})
}

type hubStatus struct {
	clients int
	jobs    int
}

func (h *hub) status() hubStatus {
	var st hubStatus
	h.call(func() {
		st = hubStatus{clients: len(h.subs), jobs: len(h.jobs)}
	})
	return st
}

// beginClose stops new subscribers and jobs. It returns the running jobs and
// a channel closed once every one of them has been removed.
func (h *hub) beginClose() ([]*job, <-chan struct{}) {
	var running []*job
	empty := make(chan struct{})
	ok := h.call(func() {
		h.closing = true
		for _, j := range h.jobs {
			running = append(running, j)
		}
		if len(h.jobs) == 0 {
			close(empty)
			return
		}
		h.drained = empty
	})
	if !ok {
		close(empty)
	}
	return running, empty
}

// closeSubscribers closes every subscriber channel, ending their streams.
func (h *hub) closeSubscribers() {
	h.call(h.closeAll)
}

func (h *hub) stop() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}
