package request

import (
	"sync"
	"time"
)

// RWLock is a writer-priority reader/writer lock whose acquisition can be
// abandoned at a deadline. Queued writers block new readers so that writers
// (module reloads) are not starved. sync.RWMutex offers neither deadline
// abandonment nor the required fairness, hence this channel-based variant.
type RWLock struct {
	mu             sync.Mutex
	readers        int
	writer         bool
	writersWaiting int
	changed        chan struct{}
}

func NewRWLock() *RWLock {
	return &RWLock{changed: make(chan struct{})}
}

// AcquireUntil takes the lock in shared (reader) or exclusive (writer) mode.
// It returns false, without the lock, if the deadline elapses first. An
// already-free lock is granted even when the deadline has passed.
func (l *RWLock) AcquireUntil(deadline time.Time, shared bool) bool {
	if !shared {
		l.mu.Lock()
		l.writersWaiting++
		l.mu.Unlock()
	}

	var timer *time.Timer
	for {
		l.mu.Lock()
		granted := false
		if shared {
			if !l.writer && l.writersWaiting == 0 {
				l.readers++
				granted = true
			}
		} else {
			if !l.writer && l.readers == 0 {
				l.writer = true
				l.writersWaiting--
				granted = true
			}
		}
		ch := l.changed
		l.mu.Unlock()

		if granted {
			if timer != nil {
				timer.Stop()
			}
			return true
		}

		if timer == nil {
			timer = time.NewTimer(time.Until(deadline))
		}
		select {
		case <-ch:
		case <-timer.C:
			if !shared {
				l.mu.Lock()
				l.writersWaiting--
				l.notifyLocked()
				l.mu.Unlock()
			}
			return false
		}
	}
}

// Release returns the lock taken in the given mode.
func (l *RWLock) Release(shared bool) {
	l.mu.Lock()
	if shared {
		l.readers--
	} else {
		l.writer = false
	}
	l.notifyLocked()
	l.mu.Unlock()
}

// notifyLocked wakes every waiter so it re-examines the lock state.
func (l *RWLock) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
