package hosttimer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by an explicit clock. Nothing fires until
// Advance is called. Tests and the deterministic simulator use it.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	entries []*manualEntry
}

// Pending describes a scheduled, not yet fired callback.
type Pending struct {
	CPU  int
	When time.Time
}

type manualEntry struct {
	owner   *Manual
	seq     uint64
	cpu     int
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManual returns a scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(cpu int, d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := &manualEntry{
		owner: m,
		seq:   m.seq,
		cpu:   cpu,
		when:  m.now.Add(d),
		fn:    fn,
	}
	m.entries = append(m.entries, e)
	return e
}

// Advance moves the clock forward by d and runs every callback that became
// due, in deadline order. Callbacks scheduled while advancing also run if
// they fall inside the window. It returns the number of callbacks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	fired := 0
	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.compactLocked()
			m.mu.Unlock()
			return fired
		}
		next.fired = true
		if next.when.After(m.now) {
			m.now = next.when
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
		fired++
	}
}

// Pending lists live callbacks ordered by deadline.
func (m *Manual) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
	live := append([]*manualEntry(nil), m.entries...)
	sortEntries(live)
	out := make([]Pending, 0, len(live))
	for _, e := range live {
		out = append(out, Pending{CPU: e.cpu, When: e.when})
	}
	return out
}

func (m *Manual) nextDueLocked(target time.Time) *manualEntry {
	var best *manualEntry
	for _, e := range m.entries {
		if e.stopped || e.fired || e.when.After(target) {
			continue
		}
		if best == nil || e.when.Before(best.when) || (e.when.Equal(best.when) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

func (m *Manual) compactLocked() {
	live := m.entries[:0]
	for _, e := range m.entries {
		if !e.stopped && !e.fired {
			live = append(live, e)
		}
	}
	m.entries = live
}

func (e *manualEntry) Stop() bool {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	if e.stopped || e.fired {
		return false
	}
	e.stopped = true
	return true
}

func sortEntries(entries []*manualEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].when.Equal(entries[j].when) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].when.Before(entries[j].when)
	})
}

var _ Scheduler = (*Manual)(nil)
