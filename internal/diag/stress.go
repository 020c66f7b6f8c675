package diag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
)

const (
	stressKernelsPerRound = 5
	maxStressScores       = 1024 * 1024
)

// stressTask is one device's stress run. Fields are guarded by Coordinator.mu.
type stressTask struct {
	deviceID int
	finished bool
	started  time.Time
	ended    time.Time
}

// StartStress starts an open-ended integer compute load on id, or on every
// device for device.All. With minutes set to 0 the load runs until shutdown.
func (c *Coordinator) StartStress(id int, minutes int) error {
	errFactory := errors.New()

	devs := c.devices()
	if err := checkTarget(devs, id); err != nil {
		return err
	}
	if minutes < 0 {
		return errFactory.WithData(errors.ErrInvalidArgument, minutes)
	}

	targets := devs
	if id != device.All {
		dev, _ := findDevice(devs, id)
		targets = []device.Info{dev}
	}
	catalog := c.catalogs.Current()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrUnavailable, err)
	}
	for _, dev := range targets {
		if c.busy(dev.ID) {
			return errFactory.WithData(errors.ErrTaskNotComplete, dev.ID)
		}
	}

	c.stressCatalog = catalog
	opts := device.BenchmarkOptions{
		Timeout: time.Duration(catalog.Globals().SyncTimeoutSeconds) * time.Second,
	}
	if id == device.All {
		c.stress = make(map[int]*stressTask)
	}

	for _, dev := range targets {
		t := &stressTask{deviceID: dev.ID, started: time.Now()}
		c.stress[dev.ID] = t
		c.scores[dev.ID] = nil

		c.wg.Add(1)
		go c.stressLoop(c.ctx, t, minutes, opts)
	}

	c.recorder.RunAccepted("stress", len(targets))
	c.log.Info().Int("device", id).Int("minutes", minutes).Msg("Stress accepted")

	return nil
}

func (c *Coordinator) stressLoop(ctx context.Context, t *stressTask, minutes int, opts device.BenchmarkOptions) {
	defer c.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Int("device", t.deviceID).Interface("panic", rec).Msg("Stress worker panicked")
		}

		c.mu.Lock()
		t.ended = time.Now()
		t.finished = true
		c.mu.Unlock()

		c.log.Info().Int("device", t.deviceID).Msg("Stress finished")
	}()

	limit := time.Duration(minutes) * c.cfg.stressMinute
	for {
		if ctx.Err() != nil {
			return
		}
		if minutes != 0 && time.Since(t.started) >= limit {
			return
		}

		score, err := c.stressRound(ctx, t.deviceID, opts)
		if err != nil {
			c.log.Warn().Err(err).Int("device", t.deviceID).Msg("Stress round failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.sampleInterval):
			}
			continue
		}

		c.mu.Lock()
		if len(c.scores[t.deviceID]) >= maxStressScores {
			c.scores[t.deviceID] = nil
		}
		c.scores[t.deviceID] = append(c.scores[t.deviceID], score)
		c.mu.Unlock()

		c.recorder.StressScore(t.deviceID, score)
		c.log.Debug().Int("device", t.deviceID).Float64("giops", score).Msg("Stress round")
	}
}

// stressRound averages a fixed number of integer kernels on the whole device.
func (c *Coordinator) stressRound(ctx context.Context, id int, opts device.BenchmarkOptions) (float64, error) {
	unit := device.Unit{Device: id, Index: -1}

	var total float64
	for i := 0; i < stressKernelsPerRound; i++ {
		m, err := c.backend.RunBenchmark(ctx, unit, device.IntegerCompute, opts)
		if err != nil {
			return 0, err
		}
		total += m.Value
	}
	return total / stressKernelsPerRound, nil
}

// CheckStress copies the stress state of id, or of every stressed device for
// device.All, into dst. A nil dst returns the number of entries.
func (c *Coordinator) CheckStress(id int, dst []StressSnapshot) (int, error) {
	errFactory := errors.New()

	devs := c.devices()
	if err := checkTarget(devs, id); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var tasks []*stressTask
	if id == device.All {
		for _, t := range c.stress {
			tasks = append(tasks, t)
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].deviceID < tasks[j].deviceID })
	} else {
		t, ok := c.stress[id]
		if !ok {
			return 0, errFactory.WithData(errors.ErrTaskNotFound, id)
		}
		tasks = []*stressTask{t}
	}

	ref := 0
	if len(tasks) > 0 && c.stressCatalog != nil {
		if dev, ok := findDevice(devs, tasks[0].deviceID); ok {
			ref = c.stressCatalog.Lookup(dev.ModelName(), thresholds.IntegerComputeRef)
		}
	}

	snaps := make([]StressSnapshot, 0, len(tasks))
	for _, t := range tasks {
		s := StressSnapshot{
			DeviceID:  t.deviceID,
			Finished:  t.finished,
			StartTime: t.started,
			EndTime:   t.ended,
		}
		if scores := c.scores[t.deviceID]; len(scores) > 0 {
			mean, variance := meanVariance(scores)
			s.Message = fmt.Sprintf("Integer compute: Mean: %s GIOPS. Var: %s. Ref: %d GIOPS.",
				round3(mean), round3(variance), ref)
		}
		snaps = append(snaps, s)
	}

	return copyInto(dst, snaps)
}
