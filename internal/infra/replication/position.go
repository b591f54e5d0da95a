package replication

import "sync"

// positionTracker tracks the slot position that is safe to confirm to the
// server. Only transaction end positions are confirmed, and only once every
// record emitted before them has been acknowledged.
type positionTracker struct {
	mu          sync.Mutex
	emitted     LSN
	acked       LSN
	pendingSkip LSN
}

func newPositionTracker() *positionTracker {
	return &positionTracker{mu: sync.Mutex{}, emitted: 0, acked: 0, pendingSkip: 0}
}

// emit records that a transaction ending at pos was handed to the consumer.
func (t *positionTracker) emit(pos LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos > t.emitted {
		t.emitted = pos
	}
}

// ack records that the transaction ending at pos was fully consumed.
func (t *positionTracker) ack(pos LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos > t.acked {
		t.acked = pos
	}
	t.applyPendingLocked()
}

// skip records a committed transaction without matching rows. It advances the
// position immediately when nothing is outstanding, otherwise after the
// outstanding records are acknowledged.
func (t *positionTracker) skip(pos LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos > t.pendingSkip {
		t.pendingSkip = pos
	}
	t.applyPendingLocked()
}

func (t *positionTracker) applyPendingLocked() {
	if t.pendingSkip == 0 || t.acked < t.emitted {
		return
	}
	if t.pendingSkip > t.acked {
		t.acked = t.pendingSkip
	}
	t.pendingSkip = 0
}

// confirmed returns the position safe to report as flushed.
func (t *positionTracker) confirmed() LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked
}

// outstanding reports whether emitted transactions await acknowledgement.
func (t *positionTracker) outstanding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked < t.emitted
}
