// Package scheduler arms and cancels the per-task inactivity deadlines.
// It is pure bookkeeping: the callbacks it fires carry the actual
// reconciliation logic and must re-check preconditions themselves.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default offsets relative to the greeting timestamp
const (
	DefaultPingOffset     = 5 * time.Second
	DefaultInactiveOffset = 30 * time.Second
)

// Callback is invoked when a deadline fires, with the task identifier
// the deadline was armed for
type Callback func(taskID string)

// entry holds the two armed deadlines of one task
type entry struct {
	ping     *time.Timer
	inactive *time.Timer
}

// InactivityScheduler keeps at most one (ping, inactive) deadline pair
// per task identifier. Deadlines are anchored to the greeting timestamp,
// not to arm time, so overdue deadlines fire immediately after a restart.
type InactivityScheduler struct {
	mu             sync.Mutex
	entries        map[string]*entry
	logger         *zap.Logger
	pingOffset     time.Duration
	inactiveOffset time.Duration
}

// NewInactivityScheduler creates a scheduler with the default 5s/30s offsets
func NewInactivityScheduler(logger *zap.Logger) *InactivityScheduler {
	return NewInactivitySchedulerWithOffsets(logger, DefaultPingOffset, DefaultInactiveOffset)
}

// NewInactivitySchedulerWithOffsets creates a scheduler with custom offsets
func NewInactivitySchedulerWithOffsets(logger *zap.Logger, pingOffset, inactiveOffset time.Duration) *InactivityScheduler {
	return &InactivityScheduler{
		entries:        make(map[string]*entry),
		logger:         logger,
		pingOffset:     pingOffset,
		inactiveOffset: inactiveOffset,
	}
}

// Schedule arms the ping and inactive deadlines for a task, replacing any
// existing entry. Delays are computed relative to wall now from the
// greeting timestamp; an overdue deadline fires immediately. Callbacks run
// asynchronously and may call Cancel on their own entry.
func (s *InactivityScheduler) Schedule(taskID string, greetingSentAt time.Time, onPing, onInactive Callback) {
	now := time.Now()
	pingDelay := max(0, greetingSentAt.Add(s.pingOffset).Sub(now))
	inactiveDelay := max(0, greetingSentAt.Add(s.inactiveOffset).Sub(now))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(taskID)

	s.entries[taskID] = &entry{
		ping:     time.AfterFunc(pingDelay, s.wrap(taskID, "ping", onPing)),
		inactive: time.AfterFunc(inactiveDelay, s.wrap(taskID, "inactive", onInactive)),
	}
}

// Cancel stops both deadlines of a task if present. It only prevents
// future firings; a callback that already started is not aborted.
func (s *InactivityScheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(taskID)
}

// CancelAll stops every armed deadline. Used on shutdown.
func (s *InactivityScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID := range s.entries {
		s.cancelLocked(taskID)
	}
}

// Has reports whether an entry is held for the task. An entry stays after
// its deadlines fire, until Cancel or the next Schedule replaces it.
func (s *InactivityScheduler) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// Len returns the number of held entries, fired or not
func (s *InactivityScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// cancelLocked stops and removes the entry for taskID. Caller holds mu.
func (s *InactivityScheduler) cancelLocked(taskID string) {
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	e.ping.Stop()
	e.inactive.Stop()
	delete(s.entries, taskID)
}

// wrap contains panics so one misbehaving callback cannot take down the
// timer goroutine or the sibling deadline
func (s *InactivityScheduler) wrap(taskID, kind string, cb Callback) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("timer callback panicked",
					zap.String("task_id", taskID),
					zap.String("kind", kind),
					zap.Any("panic", r),
				)
			}
		}()
		cb(taskID)
	}
}
