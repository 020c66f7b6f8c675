package diag

import (
	"context"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
)

// Backend is the compute layer the engine drives. Implementations must be
// safe for concurrent use: benchmark workers and the telemetry sampler call
// into it at the same time.
type Backend interface {
	Devices() []device.Info
	EnumerateUnits(id int) ([]device.Unit, error)
	RunBenchmark(ctx context.Context, unit device.Unit, kind device.BenchmarkKind, opts device.BenchmarkOptions) (device.Measurement, error)
	SampleTemperature(id int) (float64, error)
	SamplePower(id int) (device.PowerSample, error)

	EnumerateLinkPorts(id int) ([]device.LinkPort, error)
	LinkCounters(id int) ([]device.LinkCounter, error)
	// CopyOverLinks drives buffer copies across every pair at once and
	// returns when duration has elapsed.
	CopyOverLinks(ctx context.Context, pairs []device.LinkPair, duration time.Duration) error

	Processes(id int) ([]device.Process, error)
	FirmwareVersion(id int) (string, error)
}

// Host answers the software checks that look at the machine rather than
// the device.
type Host interface {
	LookupEnv(name string) (string, bool)
	LibraryExists(name string) bool
	DeviceNodes() ([]string, error)
	Readable(path string) bool
	FileExists(path string) bool
	// AvailableMemory is the host memory in bytes that a test may pin.
	AvailableMemory() (uint64, error)
	CommandName(pid int) string
}

// CatalogSource hands out the threshold table for the next run.
type CatalogSource interface {
	Current() *thresholds.Catalog
}

// Recorder receives metrics about runs and steps.
type Recorder interface {
	RunAccepted(kind string, devices int)
	StepFinished(step string, result string, elapsed time.Duration)
	PeakTemperature(deviceID int, celsius float64)
	StressScore(deviceID int, giops float64)
}

// Sink receives snapshots of tasks once they finish.
type Sink interface {
	Record(snapshot Snapshot) error
}

type nopRecorder struct{}

func (nopRecorder) RunAccepted(string, int)                    {}
func (nopRecorder) StepFinished(string, string, time.Duration) {}
func (nopRecorder) PeakTemperature(int, float64)               {}
func (nopRecorder) StressScore(int, float64)                   {}
