package diag

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
)

const (
	mediaTranscodeTool = "sample_multi_transcode"

	mfxUnsupported  = "ERR_UNSUPPORTED"
	mfxDeviceFailed = "MFX_ERR_DEVICE_FAILED"
)

var mediaFormats = []string{"h265", "h264", "av1"}

// withPerf applies fn to the device's performance record.
func (c *Coordinator) withPerf(id int, fn func(p *PerfRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.perf[id]
	if !ok {
		p = &PerfRecord{}
		c.perf[id] = p
	}
	fn(p)
}

func (c *Coordinator) stepEnvVariables(_ context.Context, _ *run, _ device.Info) (outcome, error) {
	for _, name := range c.cfg.requiredEnv {
		if _, ok := c.host.LookupEnv(name); !ok {
			return failed(fmt.Sprintf("Fail to check environment variables. %s is missing.", name)), nil
		}
	}
	return passed("Pass to check environment variables."), nil
}

func (c *Coordinator) stepLibraries(_ context.Context, r *run, _ device.Info) (outcome, error) {
	for _, lib := range c.cfg.requiredLibraries {
		if !c.host.LibraryExists(lib) {
			return failed(fmt.Sprintf("Fail to check libraries. %s is missing.", lib)), nil
		}
	}

	var first string
	for _, d := range r.all {
		version, err := c.backend.FirmwareVersion(d.ID)
		if err != nil || version == "" {
			c.log.Debug().Err(err).Int("device", d.ID).Msg("Firmware version not available")
			continue
		}
		if first == "" {
			first = version
			continue
		}
		if version != first {
			return failed("Fail to check libraries. All GPUs do not have the same firmware version."), nil
		}
	}

	return passed("Pass to check libraries."), nil
}

func (c *Coordinator) stepPermission(_ context.Context, r *run, dev device.Info) (outcome, error) {
	nodes, err := c.host.DeviceNodes()
	if err != nil {
		return outcome{}, err
	}
	if len(nodes) < len(r.all) {
		return failed("Fail to check device count."), nil
	}
	if dev.DeviceNode != "" {
		nodes = []string{dev.DeviceNode}
	}
	for _, node := range nodes {
		if !c.host.Readable(node) {
			return failed(fmt.Sprintf("Fail to check permission. %s is failed.", node)), nil
		}
	}
	return passed("Pass to check permission."), nil
}

func (c *Coordinator) stepExclusive(_ context.Context, _ *run, dev device.Info) (outcome, error) {
	procs, err := c.backend.Processes(dev.ID)
	if err != nil {
		return outcome{}, err
	}

	for i := range procs {
		if procs[i].Command == "" {
			procs[i].Command = c.host.CommandName(procs[i].PID)
		}
	}

	c.mu.Lock()
	c.processes[dev.ID] = procs
	c.mu.Unlock()

	if len(procs) > 0 {
		return passed(fmt.Sprintf("Warning: %d processes are using the device.", len(procs))), nil
	}
	return passed("Pass to check the software exclusive."), nil
}

func (c *Coordinator) stepHardwareSysman(context.Context, *run, device.Info) (outcome, error) {
	return failed("Fail to find test suites for hardware sysman diagnostics."), nil
}

func (c *Coordinator) stepLightComputation(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.LightCompute, c.benchmarkOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check computation. " + err.Error() + note), nil
	}
	return passed("Pass to check computation." + note), nil
}

func (c *Coordinator) stepPCIe(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.PCIeBandwidth, c.benchmarkOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check PCIe bandwidth. " + err.Error() + note), nil
	}

	model := dev.ModelName()
	bandwidth := f.sum()
	c.withPerf(dev.ID, func(p *PerfRecord) {
		p.PCIeBandwidth = bandwidth
		p.RefPCIeBandwidth = r.catalog.Lookup(model, thresholds.PCIeBandwidthRef)
	})

	out := judge("PCIe bandwidth", fmt.Sprintf("Its bandwidth is %s GBPS.", round3(bandwidth)),
		bandwidth, r.catalog.Lookup(model, thresholds.PCIeBandwidthMin), "GBPS")
	if l := dev.PCIe; l.Degraded() {
		out.message += fmt.Sprintf(" PCIe link is downgraded to Gen%d x%d from Gen%d x%d.",
			l.CurrentGen, l.CurrentWidth, l.MaxGen, l.MaxWidth)
	}
	out.message += note
	return out, nil
}

func (c *Coordinator) stepComputation(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.SinglePrecision, c.benchmarkOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check computation performance. " + err.Error() + note), nil
	}

	model := dev.ModelName()
	gflops := f.sum()
	c.withPerf(dev.ID, func(p *PerfRecord) {
		p.GFLOPS = gflops
		p.RefGFLOPS = r.catalog.Lookup(model, thresholds.SinglePrecisionRef)
	})

	out := judge("computation performance", fmt.Sprintf("Its single-precision GFLOPS is %s.", round3(gflops)),
		gflops, r.catalog.Lookup(model, thresholds.SinglePrecisionMin), "GFLOPS")
	out.message += note
	return out, nil
}

func (c *Coordinator) stepPower(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.PowerStress, c.benchmarkOptions(r), samplePower)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check stress power. " + err.Error() + note), nil
	}

	watts := f.peak.Power
	if f.peak.Samples == 0 {
		watts = f.max()
	}

	model := dev.ModelName()
	c.withPerf(dev.ID, func(p *PerfRecord) {
		p.PeakPower = watts
		p.RefPeakPower = r.catalog.Lookup(model, thresholds.PowerRef)
	})

	out := judge("stress power", fmt.Sprintf("Its stress power is %d W.", int(watts)),
		watts, r.catalog.Lookup(model, thresholds.PowerMin), "W")
	out.message += note
	return out, nil
}

func (c *Coordinator) stepMemoryBandwidth(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.MemoryBandwidth, c.benchmarkOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check memory bandwidth. " + err.Error() + note), nil
	}

	model := dev.ModelName()
	bandwidth := f.sum()
	c.withPerf(dev.ID, func(p *PerfRecord) {
		p.MemoryBandwidth = bandwidth
		p.RefMemoryBandwidth = r.catalog.Lookup(model, thresholds.MemoryBandwidthRef)
	})

	out := judge("memory bandwidth", fmt.Sprintf("Its memory bandwidth is %s GBPS.", round3(bandwidth)),
		bandwidth, r.catalog.Lookup(model, thresholds.MemoryBandwidthMin), "GBPS")
	out.message += note
	return out, nil
}

// memoryOptions sizes a memory test by the configured share of device
// memory, capped by what the host can back.
func (c *Coordinator) memoryOptions(r *run) device.BenchmarkOptions {
	opts := c.benchmarkOptions(r)
	if avail, err := c.host.AvailableMemory(); err == nil {
		opts.MemoryLimit = avail
	} else {
		c.log.Debug().Err(err).Msg("Host memory not available")
	}
	return opts
}

func (c *Coordinator) stepMemoryAllocation(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.MemoryAllocation, c.memoryOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check memory allocation. " + err.Error() + note), nil
	}
	return passed("Pass to check memory allocation." + note), nil
}

func (c *Coordinator) stepMemoryError(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	f, err := c.runUnits(ctx, dev, device.MemoryError, c.memoryOptions(r), sampleTemperature)
	if err != nil {
		return outcome{}, err
	}

	note := c.temperatureNote(dev.ID, f.peak)
	if err := f.firstError(); err != nil {
		return failed("Fail to check memory error. " + err.Error() + note), nil
	}
	if n := int(f.sum()); n > 0 {
		return failed(fmt.Sprintf("Fail to check memory error. %d error(s) were found.", n) + note), nil
	}
	return passed("Pass to check memory error." + note), nil
}

type mediaSample struct {
	resolution string
	file       string
}

// mediaTool resolves the transcode tool and reports whether it is installed.
func (c *Coordinator) mediaTool(g thresholds.Globals) (string, bool) {
	tool := filepath.Join(g.MediaToolsPath, mediaTranscodeTool)
	return tool, c.host.FileExists(tool)
}

func (c *Coordinator) stepMediaCodec(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	g := r.catalog.Globals()
	tool, ok := c.mediaTool(g)
	if !ok {
		return failed("No " + mediaTranscodeTool + " tool."), nil
	}

	var samples []mediaSample
	for _, s := range []mediaSample{{"1080p", g.Media1080pFile}, {"4K", g.Media4KFile}} {
		path := filepath.Join(c.cfg.mediaDataDir, s.file)
		if s.file != "" && c.host.FileExists(path) {
			samples = append(samples, mediaSample{resolution: s.resolution, file: path})
		}
	}
	if len(samples) == 0 {
		return failed("No Media test file."), nil
	}

	var metrics []MediaCodecMetric
	var lastErr error
	var lastDetail string
	for _, s := range samples {
		for _, format := range mediaFormats {
			m, err := c.transcode(ctx, r, dev, tool, s.file, format)
			if err != nil {
				lastErr = err
				lastDetail = m.Detail
				continue
			}
			if m.Value > 0 {
				metrics = append(metrics, MediaCodecMetric{
					DeviceID:   dev.ID,
					Resolution: s.resolution,
					Format:     format,
					FPS:        fmt.Sprintf("%d FPS", int(m.Value)),
				})
			}
		}
	}

	c.mu.Lock()
	c.media[dev.ID] = metrics
	c.mu.Unlock()

	if len(metrics) == 0 {
		return failed("Fail to check Media transcode performance." + mediaFailure(lastErr, lastDetail)), nil
	}
	return passed("Pass to check Media transcode performance."), nil
}

func (c *Coordinator) stepLightCodec(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	g := r.catalog.Globals()
	tool, ok := c.mediaTool(g)
	if !ok {
		return failed("No " + mediaTranscodeTool + " tool."), nil
	}

	file := filepath.Join(c.cfg.mediaDataDir, g.MediaLightFile)
	if g.MediaLightFile == "" || !c.host.FileExists(file) {
		return failed("No Media test file."), nil
	}

	m, err := c.transcode(ctx, r, dev, tool, file, "h264")
	if err != nil || m.Value <= 0 {
		return failed("Fail to check Media transcode functionality." + mediaFailure(err, m.Detail)), nil
	}
	return passed("Pass to check Media transcode functionality."), nil
}

// transcode runs one media session on the whole device.
func (c *Coordinator) transcode(ctx context.Context, r *run, dev device.Info, tool, file, format string) (device.Measurement, error) {
	opts := c.benchmarkOptions(r)
	opts.Args = []string{tool, file, format}
	return c.backend.RunBenchmark(ctx, device.Unit{Device: dev.ID, Index: -1}, device.MediaTranscode, opts)
}

func mediaFailure(err error, detail string) string {
	switch {
	case errors.HasCode(err, errors.ErrUnsupported), strings.Contains(detail, mfxUnsupported):
		return " Transcoding is unsupported."
	case strings.Contains(detail, mfxDeviceFailed):
		return " Hardware device unexpected errors."
	default:
		return ""
	}
}

// MediaCodecResults copies the transcode metrics of id's last media step
// into dst, using the same count/buffer protocol as Components.
func (c *Coordinator) MediaCodecResults(id int, dst []MediaCodecMetric) (int, error) {
	if _, ok := findDevice(c.devices(), id); !ok {
		return 0, errors.New().WithData(errors.ErrDeviceNotFound, id)
	}

	c.mu.Lock()
	metrics := append([]MediaCodecMetric(nil), c.media[id]...)
	c.mu.Unlock()

	return copyInto(dst, metrics)
}
