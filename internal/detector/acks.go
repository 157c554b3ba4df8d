package detector

import "sync"

// ackTracker routes direct and relayed acks to the probe round waiting on
// the target slot. At most one round per slot is in flight.
type ackTracker struct {
	mu      sync.Mutex
	waiting map[int]chan struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{waiting: make(map[int]chan struct{})}
}

// arm registers a round for slot. ok is false when one is already in flight.
func (a *ackTracker) arm(slot int) (ch chan struct{}, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, busy := a.waiting[slot]; busy {
		return nil, false
	}
	ch = make(chan struct{}, 1)
	a.waiting[slot] = ch
	return ch, true
}

// ack signals the round waiting on slot, if any
func (a *ackTracker) ack(slot int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.waiting[slot]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

func (a *ackTracker) disarm(slot int) {
	a.mu.Lock()
	delete(a.waiting, slot)
	a.mu.Unlock()
}
