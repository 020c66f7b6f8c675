package diag

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/gpudiag/internal/errors"
)

// StepType identifies one diagnostic step. The numeric order is the
// canonical execution order used when deriving a level's step list.
type StepType int

const (
	EnvVariables StepType = iota
	Libraries
	Permission
	Exclusive
	LightComputation
	HardwareSysman
	IntegrationPCIe
	MediaCodec
	Computation
	Power
	MemoryBandwidth
	MemoryAllocation
	MemoryError
	LightCodec
	LinkThroughput
	LinkAllToAll

	stepTypeCount
)

// MaxSpecificTypes bounds an explicit step list.
const MaxSpecificTypes = int(stepTypeCount) - 1

var stepNames = [stepTypeCount]string{
	"env_variables",
	"libraries",
	"permission",
	"exclusive",
	"light_computation",
	"hardware_sysman",
	"integration_pcie",
	"media_codec",
	"computation",
	"power",
	"memory_bandwidth",
	"memory_allocation",
	"memory_error",
	"light_codec",
	"link_throughput",
	"link_all_to_all",
}

// AllStepTypes returns every step type in canonical order.
func AllStepTypes() []StepType {
	types := make([]StepType, 0, stepTypeCount)
	for t := EnvVariables; t < stepTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

func (t StepType) Valid() bool {
	return t >= EnvVariables && t < stepTypeCount
}

func (t StepType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("step(%d)", int(t))
	}
	return stepNames[t]
}

func (t StepType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *StepType) UnmarshalText(b []byte) error {
	parsed, err := ParseStepType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseStepType accepts a step name such as "integration_pcie".
func ParseStepType(s string) (StepType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range stepNames {
		if name == s {
			return StepType(i), nil
		}
	}
	return 0, errors.New().WithData(errors.ErrInvalidTaskType, s)
}

// levelStep reports whether t can be selected through a level.
func (t StepType) levelStep() bool {
	switch t {
	case LightCodec, HardwareSysman, LinkAllToAll:
		return false
	default:
		return t.Valid()
	}
}

// hardware steps cannot run while the physical function hosts virtual functions.
func (t StepType) blockedByVirtualFunctions() bool {
	switch t {
	case Computation, Power, MemoryBandwidth, MemoryAllocation, MemoryError:
		return true
	default:
		return false
	}
}

// Shared reports whether one pass of t measures every device of a request
// together and completes all of their components at once.
func (t StepType) Shared() bool {
	return t == LinkAllToAll
}

// Result is a component or task verdict.
type Result int

const (
	Unknown Result = iota
	Pass
	Fail
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "pass":
		*r = Pass
	case "fail":
		*r = Fail
	case "unknown", "":
		*r = Unknown
	default:
		return errors.New().WithData(errors.ErrInvalidArgument, string(b))
	}
	return nil
}

// worse returns the dominating result: Fail over Pass over Unknown.
func worse(a, b Result) Result {
	if a == Fail || b == Fail {
		return Fail
	}
	if a == Pass || b == Pass {
		return Pass
	}
	return Unknown
}

// Level is a coarse tier selecting an increasing canonical subset of steps.
// Zero means the task was started with an explicit step list.
type Level int

const (
	LevelSpecific Level = 0
	Level1        Level = 1
	Level2        Level = 2
	Level3        Level = 3
)

func (l Level) Valid() bool {
	return l >= Level1 && l <= Level3
}

// Component is one step's result slot within a task.
type Component struct {
	Type     StepType `json:"type"`
	Finished bool     `json:"finished"`
	Result   Result   `json:"result"`
	Message  string   `json:"message"`
}

// Snapshot is a point in time copy of a diagnostic task, or of the merged
// view over all devices.
type Snapshot struct {
	RunID       string      `json:"run_id"`
	DeviceID    int         `json:"device_id"`
	Level       Level       `json:"level"`
	TargetTypes []StepType  `json:"target_types"`
	Count       int         `json:"count"`
	Finished    bool        `json:"finished"`
	Result      Result      `json:"result"`
	Message     string      `json:"message"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time,omitempty"`
	Components  []Component `json:"components"`
}

// PerfRecord holds the latest performance measurements of one device and
// the reference values that applied when they were taken.
type PerfRecord struct {
	PCIeBandwidth      float64
	RefPCIeBandwidth   int
	GFLOPS             float64
	RefGFLOPS          int
	MemoryBandwidth    float64
	RefMemoryBandwidth int
	PeakPower          float64
	RefPeakPower       int
	LinkThroughput     []float64
	RefLinkThroughput  int
	AllToAll           float64
	RefAllToAll        int
}

// PortThroughput is one measured port of a failed point-to-point pair.
type PortThroughput struct {
	SrcDevice int     `json:"src_device"`
	SrcUnit   int     `json:"src_unit"`
	SrcPort   int     `json:"src_port"`
	DstDevice int     `json:"dst_device"`
	DstUnit   int     `json:"dst_unit"`
	DstPort   int     `json:"dst_port"`
	Speed     float64 `json:"speed_gbps"`
	Threshold float64 `json:"threshold_gbps"`
}

func (l PortThroughput) String() string {
	return fmt.Sprintf("  GPU %d/%d port %d to GPU %d/%d port %d: %s GBPS. Threshold: %s GBPS.",
		l.SrcDevice, l.SrcUnit, l.SrcPort, l.DstDevice, l.DstUnit, l.DstPort,
		round3(l.Speed), round3(l.Threshold))
}

// MediaCodecMetric is one measured transcode throughput.
type MediaCodecMetric struct {
	DeviceID   int    `json:"device_id"`
	Resolution string `json:"resolution"`
	Format     string `json:"format"`
	FPS        string `json:"fps"`
}

// StressSnapshot is the state of one device's stress run.
type StressSnapshot struct {
	DeviceID  int       `json:"device_id"`
	Finished  bool      `json:"finished"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func round3(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
