package device

// Subscription is a latest-value stream of registry snapshots.
//
// The channel holds at most one snapshot. When a new snapshot is published
// before the previous one was read, the stale one is replaced.
type Subscription struct {
	ch     chan *Snapshot
	reg    *Registry
	closed bool // guarded by reg.mu
}

// Subscribe registers a new subscription. The current snapshot is available
// on the channel immediately.
func (r *Registry) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan *Snapshot, 1),
		reg: r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub.ch <- r.current.Load()
	r.subs[sub] = struct{}{}
	return sub
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan *Snapshot {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
// Calling Close more than once is safe.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.reg.subs, s)
	close(s.ch)
}

// offer replaces any unread snapshot with snap. Only the registry sends on
// the channel, always under its mutex, so after draining the send cannot
// block.
func (s *Subscription) offer(snap *Snapshot) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}
