// Package gpu implements the diagnostic compute backend on top of NVML.
// Telemetry, topology and process queries go through NVML directly; kernels
// and link copies are delegated to an external kernel runner.
package gpu

import (
	"fmt"
	"sort"
	"sync"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const vendorName = "NVIDIA"

type handle struct {
	dev   nvml.Device
	info  device.Info
	units []nvml.Device
	pci   pciKey
}

type pciKey struct {
	domain, bus, dev uint32
}

func pciKeyOf(p nvml.PciInfo) pciKey {
	return pciKey{domain: p.Domain, bus: p.Bus, dev: p.Device}
}

func (k pciKey) String() string {
	return fmt.Sprintf("%08x:%02x:%02x.0", k.domain, k.bus, k.dev)
}

// Backend drives every NVML device on the host.
type Backend struct {
	nvml   nvmlController
	runner Runner
	log    logger.Logger

	mu      sync.RWMutex
	handles map[int]*handle
	byPCI   map[pciKey]int
}

// Open initializes NVML and enumerates the host's devices.
func Open(opts ...Option) (*Backend, error) {
	b := &Backend{
		nvml:    &nvmlLibrary{},
		runner:  unsupportedRunner{},
		log:     logger.Nop(),
		handles: make(map[int]*handle),
		byPCI:   make(map[pciKey]int),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.nvml.Init(); err != nil {
		return nil, err
	}

	devs, err := b.nvml.Devices()
	if err != nil {
		_ = b.nvml.Shutdown()
		return nil, err
	}

	if driver, err := b.nvml.DriverVersion(); err == nil {
		b.log.Info().Str("driver", driver).Int("devices", len(devs)).Msg("NVML initialized")
	} else {
		b.log.Warn().Err(err).Msg("Driver version not available")
	}

	for i, dev := range devs {
		h, err := b.describe(i, dev)
		if err != nil {
			_ = b.nvml.Shutdown()
			return nil, err
		}
		b.handles[i] = h
		b.byPCI[h.pci] = i

		b.log.Info().
			Int("device", i).
			Str("name", h.info.Name).
			Str("model", h.info.ModelName()).
			Int("units", h.info.Units).
			Int("link_ports", h.info.LinkPorts).
			Msg("Detected GPU")
	}

	return b, nil
}

// Close shuts NVML down.
func (b *Backend) Close() error {
	return b.nvml.Shutdown()
}

func (b *Backend) describe(id int, dev nvml.Device) (*handle, error) {
	errFactory := errors.New()

	name, ret := dev.GetName()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	uuid, ret := dev.GetUUID()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceUUIDFailed, newNVMLError(ret))
	}

	pci, ret := dev.GetPciInfo()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	h := &handle{dev: dev, pci: pciKeyOf(pci)}
	h.info = device.Info{
		ID:     id,
		UUID:   uuid,
		Name:   name,
		Vendor: vendorName,
		// The upper half of the NVML id is the PCI device id.
		PCIDeviceID: pci.PciDeviceId >> 16,
		PCIAddress:  h.pci.String(),
	}

	if minor, ret := dev.GetMinorNumber(); IsNVMLSuccess(ret) {
		h.info.DeviceNode = fmt.Sprintf("/dev/nvidia%d", minor)
	}

	if mode, ret := dev.GetVirtualizationMode(); IsNVMLSuccess(ret) {
		h.info.VirtualFunctions = mode == nvml.GPU_VIRTUALIZATION_MODE_HOST_VGPU ||
			mode == nvml.GPU_VIRTUALIZATION_MODE_HOST_VSGA
	}

	if capacity, ret := dev.GetEncoderCapacity(nvml.ENCODER_QUERY_H264); IsNVMLSuccess(ret) {
		h.info.MediaEngines = capacity > 0
	}

	if mem, ret := dev.GetMemoryInfo(); IsNVMLSuccess(ret) {
		h.info.MemoryBytes = mem.Total
	}

	h.info.PCIe = pcieLink(dev)
	h.units = migDevices(dev)
	h.info.Units = len(h.units)
	h.info.LinkPorts = len(activeLinks(dev))

	return h, nil
}

func pcieLink(dev nvml.Device) device.PCIeLink {
	var l device.PCIeLink
	if v, ret := dev.GetCurrPcieLinkGeneration(); IsNVMLSuccess(ret) {
		l.CurrentGen = v
	}
	if v, ret := dev.GetMaxPcieLinkGeneration(); IsNVMLSuccess(ret) {
		l.MaxGen = v
	}
	if v, ret := dev.GetCurrPcieLinkWidth(); IsNVMLSuccess(ret) {
		l.CurrentWidth = v
	}
	if v, ret := dev.GetMaxPcieLinkWidth(); IsNVMLSuccess(ret) {
		l.MaxWidth = v
	}
	return l
}

// migDevices returns the MIG instances of dev when MIG is enabled.
func migDevices(dev nvml.Device) []nvml.Device {
	current, _, ret := dev.GetMigMode()
	if !IsNVMLSuccess(ret) || current != nvml.DEVICE_MIG_ENABLE {
		return nil
	}

	count, ret := dev.GetMaxMigDeviceCount()
	if !IsNVMLSuccess(ret) {
		return nil
	}

	var units []nvml.Device
	for i := 0; i < count; i++ {
		mig, ret := dev.GetMigDeviceHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			continue
		}
		units = append(units, mig)
	}
	return units
}

func (b *Backend) lookup(id int) (*handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h, ok := b.handles[id]
	if !ok {
		return nil, errors.New().WithData(ErrDeviceNotFound, id)
	}
	return h, nil
}

// Devices returns every enumerated device ordered by id.
func (b *Backend) Devices() []device.Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	devs := make([]device.Info, 0, len(b.handles))
	for _, h := range b.handles {
		devs = append(devs, h.info)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs
}

// EnumerateUnits lists the MIG instances of id as units. A device without
// MIG instances is a single unit and yields none.
func (b *Backend) EnumerateUnits(id int) ([]device.Unit, error) {
	h, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	units := make([]device.Unit, 0, len(h.units))
	for i := range h.units {
		units = append(units, device.Unit{Device: id, Index: i})
	}
	return units, nil
}

func (b *Backend) SampleTemperature(id int) (float64, error) {
	errFactory := errors.New()

	h, err := b.lookup(id)
	if err != nil {
		return 0, err
	}

	temp, ret := h.dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	return float64(temp), nil
}

// Processes lists the compute processes holding id open.
func (b *Backend) Processes(id int) ([]device.Process, error) {
	errFactory := errors.New()

	h, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	infos, ret := h.dev.GetComputeRunningProcesses()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrProcessQueryFailed, newNVMLError(ret))
	}

	procs := make([]device.Process, 0, len(infos))
	for _, p := range infos {
		procs = append(procs, device.Process{PID: int(p.Pid)})
	}
	return procs, nil
}

// FirmwareVersion returns the VBIOS version of id.
func (b *Backend) FirmwareVersion(id int) (string, error) {
	errFactory := errors.New()

	h, err := b.lookup(id)
	if err != nil {
		return "", err
	}

	version, ret := h.dev.GetVbiosVersion()
	if !IsNVMLSuccess(ret) {
		return "", errFactory.Wrap(ErrFirmwareQueryFailed, newNVMLError(ret))
	}
	return version, nil
}
