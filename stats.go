package scriptbox

import (
	"log"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of engine counters. The counter fields cover the
// interval since the last reset. CompiledScripts is a gauge holding the
// current number of live scripts.
type Stats struct {
	Requests        uint64
	Successes       uint64
	Failures        uint64
	Timeouts        uint64
	MemoryOverflows uint64
	CompiledScripts int
}

// statsCollector accumulates engine counters and optionally logs and resets
// them on a fixed interval. Every compile or invoke submission counts as one
// request and lands in exactly one outcome counter.
type statsCollector struct {
	requests        atomic.Uint64
	successes       atomic.Uint64
	failures        atomic.Uint64
	timeouts        atomic.Uint64
	memoryOverflows atomic.Uint64

	compiled func() int // live script gauge, supplied by the registry

	stop chan struct{}
	done chan struct{}
}

func newStatsCollector(compiled func() int) *statsCollector {
	return &statsCollector{compiled: compiled}
}

func (s *statsCollector) incRequests()        { s.requests.Add(1) }
func (s *statsCollector) incSuccesses()       { s.successes.Add(1) }
func (s *statsCollector) incFailures()        { s.failures.Add(1) }
func (s *statsCollector) incTimeouts()        { s.timeouts.Add(1) }
func (s *statsCollector) incMemoryOverflows() { s.memoryOverflows.Add(1) }

// snapshot reads the counters without resetting them.
func (s *statsCollector) snapshot() Stats {
	return Stats{
		Requests:        s.requests.Load(),
		Successes:       s.successes.Load(),
		Failures:        s.failures.Load(),
		Timeouts:        s.timeouts.Load(),
		MemoryOverflows: s.memoryOverflows.Load(),
		CompiledScripts: s.compiled(),
	}
}

// snapshotAndReset swaps every counter to zero and returns the harvested
// values. Used by the periodic emitter so each interval reports only its
// own traffic.
func (s *statsCollector) snapshotAndReset() Stats {
	return Stats{
		Requests:        s.requests.Swap(0),
		Successes:       s.successes.Swap(0),
		Failures:        s.failures.Swap(0),
		Timeouts:        s.timeouts.Swap(0),
		MemoryOverflows: s.memoryOverflows.Swap(0),
		CompiledScripts: s.compiled(),
	}
}

// start launches the periodic emitter. It must be called at most once.
func (s *statsCollector) start(interval time.Duration) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.emit()
			case <-s.stop:
				return
			}
		}
	}()
}

// halt stops the emitter goroutine and waits for it to exit. Safe to call
// when the emitter was never started.
func (s *statsCollector) halt() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

func (s *statsCollector) emit() {
	snap := s.snapshotAndReset()
	log.Printf("scriptbox: stats: requests [%d] successes [%d] failures [%d] timeouts [%d] memory overflows [%d] compiled scripts [%d]",
		snap.Requests, snap.Successes, snap.Failures, snap.Timeouts, snap.MemoryOverflows, snap.CompiledScripts)
}
