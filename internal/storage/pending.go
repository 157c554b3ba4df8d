package storage

import (
	"sort"
	"sync"

	"github.com/devrev/swimfs/internal/model"
)

// fetchWaiters parks Fetch calls until the FILE or NFIL reply addressed to
// their local path arrives
type fetchWaiters struct {
	mu      sync.Mutex
	pending map[string]chan error
}

func newFetchWaiters() *fetchWaiters {
	return &fetchWaiters{pending: make(map[string]chan error)}
}

func (w *fetchWaiters) register(localPath string) (chan error, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, busy := w.pending[localPath]; busy {
		return nil, false
	}
	ch := make(chan error, 1)
	w.pending[localPath] = ch
	return ch, true
}

func (w *fetchWaiters) has(localPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[localPath]
	return ok
}

// resolve completes the fetch for localPath, reporting whether one was waiting
func (w *fetchWaiters) resolve(localPath string, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.pending[localPath]
	if !ok {
		return false
	}
	delete(w.pending, localPath)
	ch <- err
	return true
}

func (w *fetchWaiters) cancel(localPath string) {
	w.mu.Lock()
	delete(w.pending, localPath)
	w.mu.Unlock()
}

// nameCollector gathers one listing: it completes when every outstanding
// slot has answered. A fresh collector is armed per ListByPrefix call.
type nameCollector struct {
	mu          sync.Mutex
	outstanding map[int]struct{}
	names       map[string]struct{}
	done        chan struct{}
	closed      bool
}

func newNameCollector(slots []int) *nameCollector {
	c := &nameCollector{
		outstanding: make(map[int]struct{}, len(slots)),
		names:       make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	for _, s := range slots {
		c.outstanding[s] = struct{}{}
	}
	if len(slots) == 0 {
		c.closed = true
		close(c.done)
	}
	return c
}

func (c *nameCollector) add(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.names[n] = struct{}{}
	}
}

// answered records the reply (or give-up) of slot. Replies from slots that
// are not outstanding belong to an earlier listing and are ignored.
func (c *nameCollector) answered(slot int, names []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.outstanding[slot]; !ok {
		return false
	}
	for _, n := range names {
		c.names[n] = struct{}{}
	}
	delete(c.outstanding, slot)
	if len(c.outstanding) == 0 && !c.closed {
		c.closed = true
		close(c.done)
	}
	return true
}

func (c *nameCollector) result() (names []string, missing []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names = make([]string, 0, len(c.names))
	for n := range c.names {
		names = append(names, n)
	}
	sort.Strings(names)
	for s := range c.outstanding {
		missing = append(missing, s)
	}
	sort.Ints(missing)
	return names, missing
}

// locateWait gathers EXST answers for one Locate call
type locateWait struct {
	want     int
	replicas []model.Replica
	done     chan struct{}
}

type locateWaiters struct {
	mu      sync.Mutex
	waiting map[string][]*locateWait
}

func newLocateWaiters() *locateWaiters {
	return &locateWaiters{waiting: make(map[string][]*locateWait)}
}

func (l *locateWaiters) register(name string, want int) *locateWait {
	w := &locateWait{want: want, done: make(chan struct{})}
	l.mu.Lock()
	l.waiting[name] = append(l.waiting[name], w)
	l.mu.Unlock()
	return w
}

func (l *locateWaiters) deliver(name string, r model.Replica) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.waiting[name] {
		if len(w.replicas) >= w.want {
			continue
		}
		w.replicas = append(w.replicas, r)
		if len(w.replicas) == w.want {
			close(w.done)
		}
	}
}

// finish unregisters w and returns what it collected
func (l *locateWaiters) finish(name string, w *locateWait) []model.Replica {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.waiting[name]
	for i, other := range list {
		if other == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.waiting, name)
	} else {
		l.waiting[name] = list
	}

	out := make([]model.Replica, len(w.replicas))
	copy(out, w.replicas)
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
