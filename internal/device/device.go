// Package device holds the value types shared between the diagnostic engine
// and the compute backends that drive real hardware.
package device

import (
	"fmt"
	"time"
)

// All targets every device known to the backend.
const All = -1

// Info describes one enumerated device.
type Info struct {
	ID          int    `json:"id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	PCIDeviceID uint32 `json:"pci_device_id"`
	PCIAddress  string `json:"pci_address"`
	// DeviceNode is the character device a process opens to use the device.
	DeviceNode string `json:"device_node,omitempty"`
	// Units is the number of sub-devices (tiles, MIG instances); 0 means the
	// device executes as a single unit.
	Units int `json:"units"`
	// MediaEngines is false on compute-only parts.
	MediaEngines bool `json:"media_engines"`
	// LinkPorts is the number of point-to-point link ports.
	LinkPorts int `json:"link_ports"`
	// VirtualFunctions is true when the physical function hosts virtual functions.
	VirtualFunctions bool     `json:"virtual_functions"`
	MemoryBytes      uint64   `json:"memory_bytes"`
	PCIe             PCIeLink `json:"pcie"`
}

// PCIeLink holds the negotiated and maximum PCIe link parameters.
type PCIeLink struct {
	CurrentGen   int `json:"current_gen"`
	MaxGen       int `json:"max_gen"`
	CurrentWidth int `json:"current_width"`
	MaxWidth     int `json:"max_width"`
}

// Degraded reports whether the link trained below its maximum.
func (l PCIeLink) Degraded() bool {
	return (l.MaxGen > 0 && l.CurrentGen < l.MaxGen) || (l.MaxWidth > 0 && l.CurrentWidth < l.MaxWidth)
}

// ModelName is the key used for threshold catalog sections.
func (i Info) ModelName() string {
	return ModelName(i.Vendor, i.PCIDeviceID)
}

// ModelName formats a vendor prefix and PCI device id as
// "<vendor>Graphics[0xXXXX]".
func ModelName(vendor string, pciDeviceID uint32) string {
	return fmt.Sprintf("%sGraphics[0x%04x]", vendor, pciDeviceID&0xffff)
}

// Unit is the grain at which benchmarks fan out.
type Unit struct {
	Device int
	// Index is the sub-device index, or -1 for the whole device.
	Index int
}

func (u Unit) String() string {
	if u.Index < 0 {
		return fmt.Sprintf("%d", u.Device)
	}
	return fmt.Sprintf("%d/%d", u.Device, u.Index)
}

// BenchmarkKind names a kernel the backend knows how to run.
type BenchmarkKind string

const (
	PCIeBandwidth    BenchmarkKind = "pcie_bandwidth"
	LightCompute     BenchmarkKind = "light_compute"
	SinglePrecision  BenchmarkKind = "single_precision"
	IntegerCompute   BenchmarkKind = "integer_compute"
	MemoryBandwidth  BenchmarkKind = "memory_bandwidth"
	PowerStress      BenchmarkKind = "power_stress"
	MemoryAllocation BenchmarkKind = "memory_allocation"
	MemoryError      BenchmarkKind = "memory_error"
	MediaTranscode   BenchmarkKind = "media_transcode"
)

// BenchmarkOptions tunes a single kernel run.
type BenchmarkOptions struct {
	// Timeout bounds the backend's queue synchronization.
	Timeout time.Duration
	// MemoryFraction is the share of device memory a memory kernel may use.
	MemoryFraction float64
	// MemoryLimit caps the bytes a memory kernel may allocate, 0 for no cap.
	MemoryLimit uint64
	// Args carries kind specific parameters, such as media sample files.
	Args []string
}

// Measurement is the result of one benchmark run on one unit.
type Measurement struct {
	Value    float64
	Duration time.Duration
	// Detail is free-form backend output, such as a list of media fps values.
	Detail string
}

// PowerSample holds one instantaneous power reading in watts.
type PowerSample struct {
	Package    []float64
	SubDomains []float64
}

// Combined is max(max(Package), sum(SubDomains)).
func (p PowerSample) Combined() float64 {
	var pkg float64
	for _, v := range p.Package {
		if v > pkg {
			pkg = v
		}
	}

	var sub float64
	for _, v := range p.SubDomains {
		sub += v
	}

	if sub > pkg {
		return sub
	}
	return pkg
}

// PortStatus is the health of a link port.
type PortStatus int

const (
	PortUnknown PortStatus = iota
	PortHealthy
	PortDegraded
	PortFailed
	PortDisabled
)

// Usable reports whether traffic may be driven through the port.
func (s PortStatus) Usable() bool {
	return s == PortHealthy || s == PortDegraded
}

func (s PortStatus) String() string {
	switch s {
	case PortHealthy:
		return "healthy"
	case PortDegraded:
		return "degraded"
	case PortFailed:
		return "failed"
	case PortDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// PortID identifies one end of a link.
type PortID struct {
	Device int
	Unit   int
	Port   int
}

// LinkPort is a physical link endpoint and its remote peer.
type LinkPort struct {
	Local  PortID
	Remote PortID
	Status PortStatus
	// MaxSpeed is the port's rated transmit bandwidth in GBPS.
	MaxSpeed float64
}

// LinkCounter is a cumulative transmit counter sample for one port.
type LinkCounter struct {
	Port      PortID
	TxBytes   uint64
	Timestamp time.Time
}

// LinkPair is a source/destination unit pair with a usable link.
type LinkPair struct {
	Src Unit
	Dst Unit
}

// Process is a host process holding a device open.
type Process struct {
	PID     int
	Command string
}
