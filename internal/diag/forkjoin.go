package diag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/telemetry"
)

// unitResult is the tagged outcome of one benchmark worker.
type unitResult struct {
	unit        device.Unit
	measurement device.Measurement
	err         error
}

// fanOut is the joined result of a fork-join benchmark.
type fanOut struct {
	results []unitResult
	peak    telemetry.Peak
}

// firstError returns the error of the lowest indexed failed unit.
func (f fanOut) firstError() error {
	for _, r := range f.results {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}

func (f fanOut) sum() float64 {
	var total float64
	for _, r := range f.results {
		total += r.measurement.Value
	}
	return total
}

func (f fanOut) max() float64 {
	var best float64
	for i, r := range f.results {
		if i == 0 || r.measurement.Value > best {
			best = r.measurement.Value
		}
	}
	return best
}

type sampleMode int

const (
	sampleTemperature sampleMode = iota
	samplePower
)

// units returns the execution units of dev, or the whole device when it
// has none.
func (c *Coordinator) units(dev device.Info) ([]device.Unit, error) {
	units, err := c.backend.EnumerateUnits(dev.ID)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		units = []device.Unit{{Device: dev.ID, Index: -1}}
	}
	return units, nil
}

// runUnits runs kind on every unit of dev concurrently while one sampler
// watches the device, then joins everything.
func (c *Coordinator) runUnits(ctx context.Context, dev device.Info, kind device.BenchmarkKind, opts device.BenchmarkOptions, mode sampleMode) (fanOut, error) {
	units, err := c.units(dev)
	if err != nil {
		return fanOut{}, err
	}

	interval := c.cfg.sampleInterval
	if mode == samplePower {
		interval = c.cfg.powerSampleInterval
	}
	sampler := telemetry.Start(interval, c.probe(dev.ID, mode))

	results := make([]unitResult, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u device.Unit) {
			defer wg.Done()
			results[i] = c.runUnit(ctx, u, kind, opts)
		}(i, u)
	}
	wg.Wait()

	peak := sampler.Stop()
	c.recorder.PeakTemperature(dev.ID, peak.Temperature)

	return fanOut{results: results, peak: peak}, nil
}

func (c *Coordinator) runUnit(ctx context.Context, u device.Unit, kind device.BenchmarkKind, opts device.BenchmarkOptions) (res unitResult) {
	res.unit = u
	defer func() {
		if rec := recover(); rec != nil {
			res.err = fmt.Errorf("benchmark on unit %s panicked: %v", u, rec)
		}
	}()

	m, err := c.backend.RunBenchmark(ctx, u, kind, opts)
	switch {
	case err != nil:
		res.err = err
	case m.Value < 0:
		msg := m.Detail
		if msg == "" {
			msg = fmt.Sprintf("%s on unit %s returned no measurement", kind, u)
		}
		res.err = errors.New().WithMessage(errors.ErrStepExecution, msg)
	default:
		res.measurement = m
	}
	return res
}

func (c *Coordinator) probe(id int, mode sampleMode) telemetry.Probe {
	return func() (telemetry.Reading, error) {
		temp, err := c.backend.SampleTemperature(id)
		if err != nil {
			return telemetry.Reading{}, err
		}
		r := telemetry.Reading{Temperature: temp}
		if mode == samplePower {
			p, err := c.backend.SamplePower(id)
			if err != nil {
				return telemetry.Reading{}, err
			}
			r.Power = p.Combined()
		}
		return r, nil
	}
}

// temperatureNote is appended to a step message when the sampler saw the
// device reach the safety ceiling.
func (c *Coordinator) temperatureNote(id int, peak telemetry.Peak) string {
	if c.cfg.temperatureCeiling <= 0 || peak.Temperature < float64(c.cfg.temperatureCeiling) {
		return ""
	}
	return fmt.Sprintf(" Warning: GPU %d temperature is %d Celsius degree and the threshold is %d.",
		id, int(peak.Temperature), c.cfg.temperatureCeiling)
}

func (c *Coordinator) benchmarkOptions(r *run) device.BenchmarkOptions {
	g := r.catalog.Globals()
	return device.BenchmarkOptions{
		Timeout:        time.Duration(g.SyncTimeoutSeconds) * time.Second,
		MemoryFraction: g.MemoryUseFraction,
	}
}
