package gpu

import (
	"context"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/NVIDIA/go-nvml/pkg/nvml/mock"
)

const (
	mockPciDeviceID = 0x233010de
	mockMemoryBytes = 80 << 30
	mockPowerMilliW = 312500
	mockTxBytes     = 4096
)

// newMockDevice returns an NVML device on PCI bus bus. When peerBus is not
// zero, link 0 is an enabled NVLink 3 connection to the device on peerBus.
func newMockDevice(name string, bus, peerBus uint32) *mock.Device {
	pci := nvml.PciInfo{Domain: 0, Bus: bus, Device: 0, PciDeviceId: mockPciDeviceID}

	return &mock.Device{
		GetNameFunc: func() (string, nvml.Return) { return name, nvml.SUCCESS },
		GetUUIDFunc: func() (string, nvml.Return) { return "GPU-" + name, nvml.SUCCESS },
		GetPciInfoFunc: func() (nvml.PciInfo, nvml.Return) {
			return pci, nvml.SUCCESS
		},
		GetMinorNumberFunc: func() (int, nvml.Return) { return int(bus), nvml.SUCCESS },
		GetVirtualizationModeFunc: func() (nvml.GpuVirtualizationMode, nvml.Return) {
			return nvml.GPU_VIRTUALIZATION_MODE_NONE, nvml.SUCCESS
		},
		GetEncoderCapacityFunc: func(nvml.EncoderType) (int, nvml.Return) {
			return 0, nvml.ERROR_NOT_SUPPORTED
		},
		GetMemoryInfoFunc: func() (nvml.Memory, nvml.Return) {
			return nvml.Memory{Total: mockMemoryBytes}, nvml.SUCCESS
		},
		GetCurrPcieLinkGenerationFunc: func() (int, nvml.Return) { return 3, nvml.SUCCESS },
		GetMaxPcieLinkGenerationFunc:  func() (int, nvml.Return) { return 4, nvml.SUCCESS },
		GetCurrPcieLinkWidthFunc:      func() (int, nvml.Return) { return 16, nvml.SUCCESS },
		GetMaxPcieLinkWidthFunc:       func() (int, nvml.Return) { return 16, nvml.SUCCESS },
		GetMigModeFunc: func() (int, int, nvml.Return) {
			return nvml.DEVICE_MIG_DISABLE, nvml.DEVICE_MIG_DISABLE, nvml.SUCCESS
		},
		GetMaxMigDeviceCountFunc: func() (int, nvml.Return) { return 0, nvml.SUCCESS },
		GetMigDeviceHandleByIndexFunc: func(int) (nvml.Device, nvml.Return) {
			return nil, nvml.ERROR_NOT_FOUND
		},
		GetTemperatureFunc: func(nvml.TemperatureSensors) (uint32, nvml.Return) {
			return 67, nvml.SUCCESS
		},
		GetPowerUsageFunc: func() (uint32, nvml.Return) { return mockPowerMilliW, nvml.SUCCESS },
		GetComputeRunningProcessesFunc: func() ([]nvml.ProcessInfo, nvml.Return) {
			return []nvml.ProcessInfo{{Pid: 1234}}, nvml.SUCCESS
		},
		GetVbiosVersionFunc: func() (string, nvml.Return) { return "96.00.74.00.01", nvml.SUCCESS },
		GetNvLinkStateFunc: func(link int) (nvml.EnableState, nvml.Return) {
			if peerBus == 0 || link != 0 {
				return 0, nvml.ERROR_NOT_SUPPORTED
			}
			return nvml.FEATURE_ENABLED, nvml.SUCCESS
		},
		GetNvLinkRemotePciInfoFunc: func(link int) (nvml.PciInfo, nvml.Return) {
			if peerBus == 0 || link != 0 {
				return nvml.PciInfo{}, nvml.ERROR_NOT_SUPPORTED
			}
			return nvml.PciInfo{Bus: peerBus}, nvml.SUCCESS
		},
		GetNvLinkVersionFunc: func(int) (uint32, nvml.Return) { return 3, nvml.SUCCESS },
		GetNvLinkUtilizationCounterFunc: func(int, int) (uint64, uint64, nvml.Return) {
			return 0, mockTxBytes, nvml.SUCCESS
		},
	}
}

// recordingRunner answers every run with output and keeps the arguments.
type recordingRunner struct {
	output string
	err    error

	mu   sync.Mutex
	args [][]string
}

func (r *recordingRunner) Run(_ context.Context, args []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.args = append(r.args, append([]string(nil), args...))
	return r.output, r.err
}
