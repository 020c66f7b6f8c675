package diag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
	"github.com/stretchr/testify/require"
)

const testModel = "NVIDIAGraphics[0x2330]"

const testCatalog = `
NAME=NVIDIAGraphics[0x2330]
PCIE_BANDWIDTH_MIN_GBPS=25
REF_PCIE_BANDWIDTH_GBPS=30
SINGLE_PRECISION_MIN_GFLOPS=1000
REF_SINGLE_PRECISION_GFLOPS=1200
POWER_MIN_STRESS_WATT=150
REF_POWER_STRESS_WATT=200
MEMORY_BANDWIDTH_MIN_GBPS=500
REF_MEMORY_BANDWIDTH_GBPS=600
REF_INT_GFLOPS=60

NAME=NVIDIAGraphics[0x1eb8]
PCIE_BANDWIDTH_MIN_GBPS=0
`

type unitKind struct {
	kind device.BenchmarkKind
	unit device.Unit
}

// fakeBackend is an in-memory compute backend. Link counters advance on a
// virtual clock so link throughput is exact.
type fakeBackend struct {
	mu sync.Mutex

	devices   []device.Info
	units     map[int][]device.Unit
	unitsErr  error
	values    map[device.BenchmarkKind]float64
	devValues map[int]map[device.BenchmarkKind]float64
	unitErrs  map[unitKind]error
	panics    map[device.BenchmarkKind]bool
	details   map[device.BenchmarkKind]string
	calls     map[device.BenchmarkKind]int

	// gate, when set, blocks every benchmark until it is closed.
	gate chan struct{}

	temperature float64
	power       device.PowerSample

	ports    map[int][]device.LinkPort
	rates    map[device.PortID]float64
	tx       map[device.PortID]uint64
	clock    time.Time
	copyErr  error
	copies   int
	firmware map[int]string

	processes      map[int][]device.Process
	processesPanic map[int]bool
}

func newFakeBackend(devs ...device.Info) *fakeBackend {
	return &fakeBackend{
		devices:        devs,
		units:          map[int][]device.Unit{},
		values:         map[device.BenchmarkKind]float64{},
		devValues:      map[int]map[device.BenchmarkKind]float64{},
		unitErrs:       map[unitKind]error{},
		panics:         map[device.BenchmarkKind]bool{},
		details:        map[device.BenchmarkKind]string{},
		calls:          map[device.BenchmarkKind]int{},
		temperature:    40,
		ports:          map[int][]device.LinkPort{},
		rates:          map[device.PortID]float64{},
		tx:             map[device.PortID]uint64{},
		clock:          time.Unix(1700000000, 0),
		firmware:       map[int]string{},
		processes:      map[int][]device.Process{},
		processesPanic: map[int]bool{},
	}
}

func testDevice(id int) device.Info {
	return device.Info{
		ID:           id,
		UUID:         fmt.Sprintf("GPU-%d", id),
		Name:         "Test GPU",
		Vendor:       "NVIDIA",
		PCIDeviceID:  0x2330,
		MediaEngines: true,
		DeviceNode:   fmt.Sprintf("/dev/nvidia%d", id),
	}
}

func (f *fakeBackend) setValue(id int, kind device.BenchmarkKind, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devValues[id] == nil {
		f.devValues[id] = map[device.BenchmarkKind]float64{}
	}
	f.devValues[id][kind] = v
}

func (f *fakeBackend) callCount(kind device.BenchmarkKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// link connects port 0 of a and b in both directions.
func (f *fakeBackend) link(a, b int, rated, rateAB, rateBA float64) {
	pa := device.PortID{Device: a}
	pb := device.PortID{Device: b}
	f.ports[a] = append(f.ports[a], device.LinkPort{Local: pa, Remote: pb, Status: device.PortHealthy, MaxSpeed: rated})
	f.ports[b] = append(f.ports[b], device.LinkPort{Local: pb, Remote: pa, Status: device.PortHealthy, MaxSpeed: rated})
	f.rates[pa] = rateAB
	f.rates[pb] = rateBA
	for i := range f.devices {
		if f.devices[i].ID == a || f.devices[i].ID == b {
			f.devices[i].LinkPorts++
		}
	}
}

func (f *fakeBackend) Devices() []device.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Info(nil), f.devices...)
}

func (f *fakeBackend) EnumerateUnits(id int) ([]device.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unitsErr != nil {
		return nil, f.unitsErr
	}
	return f.units[id], nil
}

func (f *fakeBackend) RunBenchmark(_ context.Context, unit device.Unit, kind device.BenchmarkKind, _ device.BenchmarkOptions) (device.Measurement, error) {
	f.mu.Lock()
	f.calls[kind]++
	gate := f.gate
	panics := f.panics[kind]
	err := f.unitErrs[unitKind{kind, unit}]
	v, ok := f.devValues[unit.Device][kind]
	if !ok {
		v = f.values[kind]
	}
	detail := f.details[kind]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panics {
		panic("kernel crashed")
	}
	if err != nil {
		return device.Measurement{Value: -1, Detail: detail}, err
	}
	return device.Measurement{Value: v, Duration: time.Millisecond, Detail: detail}, nil
}

func (f *fakeBackend) SampleTemperature(int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temperature, nil
}

func (f *fakeBackend) SamplePower(int) (device.PowerSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power, nil
}

func (f *fakeBackend) EnumerateLinkPorts(id int) ([]device.LinkPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.LinkPort(nil), f.ports[id]...), nil
}

func (f *fakeBackend) LinkCounters(id int) ([]device.LinkCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []device.LinkCounter
	for _, p := range f.ports[id] {
		out = append(out, device.LinkCounter{Port: p.Local, TxBytes: f.tx[p.Local], Timestamp: f.clock})
	}
	return out, nil
}

func (f *fakeBackend) CopyOverLinks(_ context.Context, pairs []device.LinkPair, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.copyErr != nil {
		return f.copyErr
	}
	f.copies++

	active := map[device.PortID]bool{}
	for _, pair := range pairs {
		for _, p := range f.ports[pair.Src.Device] {
			if p.Local.Unit == pair.Src.Index && p.Remote.Device == pair.Dst.Device && p.Remote.Unit == pair.Dst.Index {
				active[p.Local] = true
			}
		}
	}
	for port := range active {
		f.tx[port] += uint64(f.rates[port] * 1e9 * duration.Seconds())
	}
	f.clock = f.clock.Add(duration)
	return nil
}

func (f *fakeBackend) Processes(id int) ([]device.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processesPanic[id] {
		panic("process table corrupted")
	}
	return append([]device.Process(nil), f.processes[id]...), nil
}

func (f *fakeBackend) FirmwareVersion(id int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firmware[id], nil
}

type fakeHost struct {
	env        map[string]string
	libraries  map[string]bool
	nodes      []string
	unreadable map[string]bool
	files      map[string]bool
	memory     uint64
	commands   map[int]string
}

func newFakeHost(devices int) *fakeHost {
	h := &fakeHost{
		env:        map[string]string{},
		libraries:  map[string]bool{},
		unreadable: map[string]bool{},
		files:      map[string]bool{},
		memory:     64 << 30,
		commands:   map[int]string{},
	}
	for i := 0; i < devices; i++ {
		h.nodes = append(h.nodes, fmt.Sprintf("/dev/nvidia%d", i))
	}
	return h
}

func (h *fakeHost) LookupEnv(name string) (string, bool) {
	v, ok := h.env[name]
	return v, ok
}

func (h *fakeHost) LibraryExists(name string) bool   { return h.libraries[name] }
func (h *fakeHost) DeviceNodes() ([]string, error)   { return h.nodes, nil }
func (h *fakeHost) Readable(path string) bool        { return !h.unreadable[path] }
func (h *fakeHost) FileExists(path string) bool      { return h.files[path] }
func (h *fakeHost) AvailableMemory() (uint64, error) { return h.memory, nil }
func (h *fakeHost) CommandName(pid int) string       { return h.commands[pid] }

type memorySink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *memorySink) Record(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *memorySink) recorded() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snaps...)
}

func mustCatalog(t *testing.T) *thresholds.Catalog {
	t.Helper()
	cat, err := thresholds.Parse(strings.NewReader(testCatalog))
	require.NoError(t, err)
	return cat
}

func newTestCoordinator(t *testing.T, b *fakeBackend, h *fakeHost, opts ...Option) *Coordinator {
	t.Helper()

	base := []Option{
		WithHost(h),
		WithSampleInterval(time.Millisecond),
		WithPowerSampleInterval(time.Millisecond),
		WithLinkCopyDuration(time.Second),
	}
	c := New(b, thresholds.Static(mustCatalog(t)), append(base, opts...)...)
	c.cfg.stressMinute = 20 * time.Millisecond

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

// runSteps starts an explicit run, waits for it and returns the result.
func runSteps(t *testing.T, c *Coordinator, id int, steps ...StepType) Snapshot {
	t.Helper()

	_, err := c.StartSpecificDiagnostics(id, steps)
	require.NoError(t, err)
	c.Wait()

	snap, err := c.Result(id)
	require.NoError(t, err)
	require.True(t, snap.Finished)
	return snap
}

func component(t *testing.T, snap Snapshot, step StepType) Component {
	t.Helper()
	for _, comp := range snap.Components {
		if comp.Type == step {
			return comp
		}
	}
	t.Fatalf("component %s not found", step)
	return Component{}
}
