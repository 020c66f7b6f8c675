package diag

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
)

const (
	msgNotSupported     = "Not supported"
	msgNotSupportedOnPF = "Not supported on physical functions."
)

// outcome is what a step executor concludes for one device.
type outcome struct {
	result  Result
	message string
}

func passed(msg string) outcome { return outcome{result: Pass, message: msg} }
func failed(msg string) outcome { return outcome{result: Fail, message: msg} }

type executor func(c *Coordinator, ctx context.Context, r *run, dev device.Info) (outcome, error)

var executors = map[StepType]executor{
	EnvVariables:     (*Coordinator).stepEnvVariables,
	Libraries:        (*Coordinator).stepLibraries,
	Permission:       (*Coordinator).stepPermission,
	Exclusive:        (*Coordinator).stepExclusive,
	LightComputation: (*Coordinator).stepLightComputation,
	HardwareSysman:   (*Coordinator).stepHardwareSysman,
	IntegrationPCIe:  (*Coordinator).stepPCIe,
	MediaCodec:       (*Coordinator).stepMediaCodec,
	Computation:      (*Coordinator).stepComputation,
	Power:            (*Coordinator).stepPower,
	MemoryBandwidth:  (*Coordinator).stepMemoryBandwidth,
	MemoryAllocation: (*Coordinator).stepMemoryAllocation,
	MemoryError:      (*Coordinator).stepMemoryError,
	LightCodec:       (*Coordinator).stepLightCodec,
	LinkThroughput:   (*Coordinator).stepLinkThroughput,
}

// execute runs every step of r, batched by step type across devices.
func (c *Coordinator) execute(r *run) {
	defer c.wg.Done()

	last := len(r.targets) - 1
	for i, step := range r.targets {
		if step.Shared() {
			c.runShared(c.ctx, r, step)
		} else {
			for _, dev := range r.devices {
				c.runStep(c.ctx, r, r.tasks[dev.ID], dev, step)
			}
		}

		if i == last {
			for _, dev := range r.devices {
				c.finish(r.tasks[dev.ID])
			}
		}
	}
}

func (c *Coordinator) runStep(ctx context.Context, r *run, t *task, dev device.Info, step StepType) {
	c.begin(t, step)
	start := time.Now()

	c.log.Info().Str("run_id", r.id).Int("device", dev.ID).Str("step", step.String()).Msg("Step started")

	out, skipped := c.unsupported(r, dev, step)
	if !skipped {
		out = c.guard(step, func() (outcome, error) {
			return executors[step](c, ctx, r, dev)
		})
	}

	c.complete(t, step, out, time.Since(start))
}

// runShared runs a step that measures every device of r in one pass.
func (c *Coordinator) runShared(ctx context.Context, r *run, step StepType) {
	start := time.Now()
	for _, dev := range r.devices {
		c.begin(r.tasks[dev.ID], step)
	}

	var results map[int]outcome
	switch {
	case r.target != device.All || len(r.devices) < 2:
		results = uniform(r.devices, failed(msgNotSupported))
	default:
		var err error
		results, err = c.guardShared(step, func() (map[int]outcome, error) {
			return c.allToAll(ctx, r)
		})
		if err != nil {
			results = uniform(r.devices, failed("Error in "+err.Error()))
		}
	}

	elapsed := time.Since(start)
	for _, dev := range r.devices {
		out, ok := results[dev.ID]
		if !ok {
			out = failed(msgNotSupported)
		}
		c.complete(r.tasks[dev.ID], step, out, elapsed)
	}
}

func uniform(devs []device.Info, out outcome) map[int]outcome {
	m := make(map[int]outcome, len(devs))
	for _, d := range devs {
		m[d.ID] = out
	}
	return m
}

// unsupported short-circuits steps that cannot run on dev.
func (c *Coordinator) unsupported(r *run, dev device.Info, step StepType) (outcome, bool) {
	switch {
	case dev.VirtualFunctions && step.blockedByVirtualFunctions():
		return failed(msgNotSupportedOnPF), true
	case (step == MediaCodec || step == LightCodec) && !dev.MediaEngines:
		return failed(msgNotSupported), true
	case step == LinkThroughput && (len(r.all) < 2 || dev.LinkPorts == 0):
		return failed(msgNotSupported), true
	}
	return outcome{}, false
}

// guard converts errors and panics raised by a step into a failed outcome.
func (c *Coordinator) guard(step StepType, fn func() (outcome, error)) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Str("step", step.String()).Interface("panic", rec).Msg("Step panicked")
			out = failed(fmt.Sprintf("Error in %v", rec))
		}
	}()

	out, err := fn()
	if err != nil {
		c.log.Error().Err(err).Str("step", step.String()).Msg("Error in diagnostics")
		return failed("Error in " + err.Error())
	}
	return out
}

func (c *Coordinator) guardShared(step StepType, fn func() (map[int]outcome, error)) (out map[int]outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Str("step", step.String()).Interface("panic", rec).Msg("Step panicked")
			err = fmt.Errorf("%v", rec)
		}
	}()

	out, err = fn()
	if err != nil {
		c.log.Error().Err(err).Str("step", step.String()).Msg("Error in diagnostics")
	}
	return out, err
}

func (c *Coordinator) begin(t *task, step StepType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.count++
	t.components[step] = Component{Type: step, Result: Unknown, Message: msgRunning}
}

func (c *Coordinator) complete(t *task, step StepType, out outcome, elapsed time.Duration) {
	c.mu.Lock()
	t.components[step] = Component{Type: step, Finished: true, Result: out.result, Message: out.message}
	c.mu.Unlock()

	c.recorder.StepFinished(step.String(), out.result.String(), elapsed)
	c.log.Info().
		Str("run_id", t.runID).
		Int("device", t.deviceID).
		Str("step", step.String()).
		Str("result", out.result.String()).
		Dur("elapsed", elapsed).
		Msg("Step finished")
}

func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	t.ended = time.Now()
	t.finished = true
	t.message = msgAllDone
	snap := t.snapshot()
	c.mu.Unlock()

	c.log.Info().Str("run_id", t.runID).Int("device", t.deviceID).Str("result", snap.Result.String()).Msg("All diagnostics done")

	if c.sink != nil {
		if err := c.sink.Record(snap); err != nil {
			c.log.Warn().Err(err).Int("device", t.deviceID).Msg("Failed to record diagnostics history")
		}
	}
}
