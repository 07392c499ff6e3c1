package hosttimer

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

var errPinUnsupported = errors.New("hosttimer: CPU pinning unsupported on this platform")

// CoreScheduler runs timer callbacks on per-CPU worker goroutines. Each
// worker locks itself to an OS thread pinned to its CPU where the platform
// allows it.
type CoreScheduler struct {
	mu      sync.Mutex
	workers map[int]*coreWorker
	closed  bool
	log     *slog.Logger
}

// NewCoreScheduler returns a scheduler with no workers; they start lazily.
func NewCoreScheduler(log *slog.Logger) *CoreScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &CoreScheduler{
		workers: make(map[int]*coreWorker),
		log:     log,
	}
}

// Now implements Scheduler.
func (s *CoreScheduler) Now() time.Time { return time.Now() }

// AfterFunc implements Scheduler.
func (s *CoreScheduler) AfterFunc(cpu int, d time.Duration, fn func()) Handle {
	if cpu == AnyCPU {
		return stdHandle{time.AfterFunc(d, fn)}
	}
	return stdHandle{time.AfterFunc(d, func() { s.dispatch(cpu, fn) })}
}

// Close stops all workers. Callbacks that fire afterwards are dropped.
func (s *CoreScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, w := range s.workers {
		close(w.queue)
	}
	s.workers = nil
	return nil
}

// dispatch hands fn to the worker for cpu. The send happens under s.mu so
// Close cannot close the queue underneath it; workers never take s.mu.
func (s *CoreScheduler) dispatch(cpu int, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	w, ok := s.workers[cpu]
	if !ok {
		w = &coreWorker{cpu: cpu, queue: make(chan func(), 64)}
		s.workers[cpu] = w
		go w.run(s.log)
	}
	w.queue <- fn
}

type coreWorker struct {
	cpu   int
	queue chan func()
}

func (w *coreWorker) run(log *slog.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinCurrentThread(w.cpu); err != nil {
		log.Debug("hosttimer: worker left unpinned", "cpu", w.cpu, "error", err)
	}
	for fn := range w.queue {
		fn()
	}
}

type stdHandle struct{ t *time.Timer }

func (h stdHandle) Stop() bool { return h.t.Stop() }

var _ Scheduler = (*CoreScheduler)(nil)
