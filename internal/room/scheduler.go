package room

import (
	"sort"
	"sync"
	"time"
)

// TimerHandle cancels one scheduled task.
type TimerHandle interface {
	Stop()
}

// Scheduler owns every background timer in the room layer: the heartbeat
// sweep, idle reevaluation, and TTL cleanup all run through one instance so
// shutdown can cancel them in one place and tests can drive them with
// virtual time.
type Scheduler interface {
	// After runs fn once after delay.
	After(delay time.Duration, fn func()) TimerHandle
	// Every runs fn repeatedly at the given interval until stopped.
	Every(interval time.Duration, fn func()) TimerHandle
	// Close cancels all outstanding tasks.
	Close()
}

type realScheduler struct {
	mu      sync.Mutex
	nextID  int64
	handles map[int64]*realHandle
	closed  bool
}

// NewScheduler returns a Scheduler backed by wall-clock timers.
func NewScheduler() Scheduler {
	return &realScheduler{handles: make(map[int64]*realHandle)}
}

type realHandle struct {
	scheduler *realScheduler
	id        int64
	stop      func()
	once      sync.Once
}

func (h *realHandle) Stop() {
	h.once.Do(func() {
		h.stop()
		h.scheduler.mu.Lock()
		delete(h.scheduler.handles, h.id)
		h.scheduler.mu.Unlock()
	})
}

func (s *realScheduler) register(stop func()) *realHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	handle := &realHandle{scheduler: s, id: s.nextID, stop: stop}
	if s.closed {
		stop()
		return handle
	}
	s.handles[handle.id] = handle
	return handle
}

func (s *realScheduler) After(delay time.Duration, fn func()) TimerHandle {
	timer := time.AfterFunc(delay, fn)
	return s.register(func() { timer.Stop() })
}

func (s *realScheduler) Every(interval time.Duration, fn func()) TimerHandle {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return s.register(func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	})
}

func (s *realScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*realHandle, 0, len(s.handles))
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.mu.Unlock()
	for _, handle := range handles {
		handle.Stop()
	}
}

// VirtualScheduler is a Scheduler driven by explicit Advance calls instead
// of wall-clock time. Tasks due within the advanced window run inline, in
// due order, so tests are deterministic.
type VirtualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	tasks  []*virtualTask
}

type virtualTask struct {
	id       int64
	due      time.Time
	interval time.Duration
	fn       func()
	stopped  bool
}

func NewVirtualScheduler(start time.Time) *VirtualScheduler {
	return &VirtualScheduler{now: start}
}

type virtualHandle struct {
	scheduler *VirtualScheduler
	task      *virtualTask
}

func (h *virtualHandle) Stop() {
	h.scheduler.mu.Lock()
	defer h.scheduler.mu.Unlock()
	h.task.stopped = true
}

func (s *VirtualScheduler) schedule(delay, interval time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task := &virtualTask{
		id:       s.nextID,
		due:      s.now.Add(delay),
		interval: interval,
		fn:       fn,
	}
	s.tasks = append(s.tasks, task)
	return &virtualHandle{scheduler: s, task: task}
}

func (s *VirtualScheduler) After(delay time.Duration, fn func()) TimerHandle {
	return s.schedule(delay, 0, fn)
}

func (s *VirtualScheduler) Every(interval time.Duration, fn func()) TimerHandle {
	return s.schedule(interval, interval, fn)
}

func (s *VirtualScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		task.stopped = true
	}
}

// Now returns the current virtual time, usable as the Clock of components
// under test.
func (s *VirtualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves virtual time forward, running every task that falls due.
func (s *VirtualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		next := s.nextDueLocked(target)
		if next == nil {
			break
		}
		s.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			next.stopped = true
		}
		fn := next.fn
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.now = target
	s.compactLocked()
	s.mu.Unlock()
}

func (s *VirtualScheduler) nextDueLocked(target time.Time) *virtualTask {
	var next *virtualTask
	for _, task := range s.tasks {
		if task.stopped || task.due.After(target) {
			continue
		}
		if next == nil || task.due.Before(next.due) || (task.due.Equal(next.due) && task.id < next.id) {
			next = task
		}
	}
	return next
}

func (s *VirtualScheduler) compactLocked() {
	live := s.tasks[:0]
	for _, task := range s.tasks {
		if !task.stopped {
			live = append(live, task)
		}
	}
	s.tasks = live
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].due.Before(s.tasks[j].due) })
}
