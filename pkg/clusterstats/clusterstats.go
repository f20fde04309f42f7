// pkg/clusterstats/clusterstats.go
package clusterstats

import (
	"sync"
	"time"
)

// Sink is the performance-hooks collaborator: every CRUD call on the
// cluster brackets its work with Start/Stop on a per-session instance when
// one is present. A nil *Sink is valid and every method on it is a no-op,
// since the hooks are optional.
type Sink struct {
	mu      sync.Mutex
	timers  map[string]*timerStat
}

type timerStat struct {
	count int64
	total time.Duration
}

// New creates an empty, ready-to-use Sink.
func New() *Sink {
	return &Sink{timers: make(map[string]*timerStat)}
}

// Timer is a running measurement returned by Start; call Stop exactly once,
// on every exit path including exception paths, to bracket the call
// correctly even when the operation fails partway through.
type Timer struct {
	sink  *Sink
	name  string
	start time.Time
}

// Start begins timing an operation named name (e.g. "create_record",
// "read_record"). Safe to call on a nil Sink.
func (s *Sink) Start(name string) *Timer {
	if s == nil {
		return nil
	}
	return &Timer{sink: s, name: name, start: time.Now()}
}

// Stop ends the timer and records its duration. Safe to call on a nil
// Timer (which Start returns from a nil Sink).
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	elapsed := time.Since(t.start)
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()

	stat, ok := t.sink.timers[t.name]
	if !ok {
		stat = &timerStat{}
		t.sink.timers[t.name] = stat
	}
	stat.count++
	stat.total += elapsed
}

// Stats reports the call count and cumulative duration recorded under a
// timer name.
func (s *Sink) Stats(name string) (count int64, total time.Duration) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.timers[name]
	if !ok {
		return 0, 0
	}
	return stat.count, stat.total
}

// Names returns every timer name that has been recorded at least once.
func (s *Sink) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	return names
}
