// Package telemetry runs the sidecar sampler that watches a device while a
// benchmark is executing on it.
package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Reading is one instantaneous observation. Power is zero when the probe
// does not sample it.
type Reading struct {
	Temperature float64
	Power       float64
}

// Probe takes one reading.
type Probe func() (Reading, error)

// Peak summarizes everything a sampler observed.
type Peak struct {
	Temperature float64
	Power       float64
	Samples     int
	Errors      int
	LastError   error
}

// Sampler polls a probe at a fixed interval until stopped and tracks the
// maximum observed values.
type Sampler struct {
	interval time.Duration
	probe    Probe
	done     atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu   sync.Mutex
	peak Peak
}

// Start takes a first reading, then launches the sampler goroutine.
func Start(interval time.Duration, probe Probe) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}

	s := &Sampler{
		interval: interval,
		probe:    probe,
		stop:     make(chan struct{}),
	}

	s.sample()

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *Sampler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		if s.done.Load() {
			return
		}
		s.sample()
		timer.Reset(s.interval)
	}
}

func (s *Sampler) sample() {
	r, err := s.safeProbe()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.peak.Errors++
		s.peak.LastError = err
		return
	}

	s.peak.Samples++
	if r.Temperature > s.peak.Temperature {
		s.peak.Temperature = r.Temperature
	}
	if r.Power > s.peak.Power {
		s.peak.Power = r.Power
	}
}

func (s *Sampler) safeProbe() (r Reading, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("telemetry probe panic: %v", rec)
		}
	}()

	return s.probe()
}

// Peak returns the values observed so far.
func (s *Sampler) Peak() Peak {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Stop signals the sampler, waits for it to exit and returns the final peak.
// Calling Stop more than once is safe.
func (s *Sampler) Stop() Peak {
	s.once.Do(func() {
		s.done.Store(true)
		close(s.stop)
	})
	s.wg.Wait()

	return s.Peak()
}
