package diag

import (
	"fmt"
	"sort"
	"strings"
)

var passMessages = map[StepType]string{
	EnvVariables:     "Pass to check environment variables.",
	Libraries:        "Pass to check libraries.",
	Permission:       "Pass to check permission.",
	Exclusive:        "Pass to check the software exclusive.",
	LightComputation: "Pass to check computation.",
	HardwareSysman:   "Pass to check hardware sysman.",
	IntegrationPCIe:  "Pass to check PCIe bandwidth.",
	MediaCodec:       "Pass to check Media transcode performance.",
	Computation:      "Pass to check computation performance.",
	Power:            "Pass to check stress power.",
	MemoryBandwidth:  "Pass to check memory bandwidth.",
	MemoryAllocation: "Pass to check memory allocation.",
	MemoryError:      "Pass to check memory error.",
	LightCodec:       "Pass to check Media transcode functionality.",
	LinkThroughput:   "Pass to check link throughput.",
	LinkAllToAll:     "Pass to check link all-to-all throughput.",
}

// combined merges every device's task into one report. Callers hold c.mu
// and there is at least one task.
func (c *Coordinator) combined() Snapshot {
	ids := make([]int, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	first := c.tasks[ids[0]]
	last := c.tasks[ids[len(ids)-1]]

	s := Snapshot{
		RunID:       first.runID,
		DeviceID:    -1,
		Level:       first.level,
		TargetTypes: append([]StepType(nil), first.targets...),
		Count:       last.count,
		Finished:    last.finished,
		Result:      Unknown,
		Message:     msgDoingDiagnostics,
		StartTime:   first.started,
		EndTime:     last.ended,
		Components:  make([]Component, 0, last.count),
	}

	for i := 0; i < last.count && i < len(last.targets); i++ {
		step := last.targets[i]
		comp := Component{Type: step, Finished: true, Result: Unknown}

		var msg strings.Builder
		for _, id := range ids {
			t := c.tasks[id]
			if !t.targeted(step) {
				continue
			}
			dc := t.components[step]
			comp.Result = worse(comp.Result, dc.Result)
			comp.Finished = comp.Finished && dc.Finished

			if dc.Result != Fail && !strings.Contains(dc.Message, "Warning") {
				continue
			}
			fmt.Fprintf(&msg, "\n GPU %d : %s", id, dc.Message)

			switch step {
			case Exclusive:
				for _, p := range c.processes[id] {
					fmt.Fprintf(&msg, "\n  PID: %d Command: %s", p.PID, p.Command)
				}
			case LinkThroughput:
				for _, lf := range c.linkFailsOf(id) {
					msg.WriteString("\n" + lf.String())
				}
			}
		}

		comp.Message = msg.String()
		if comp.Message == "" {
			if comp.Finished {
				comp.Message = c.describe(step, ids)
			} else {
				comp.Message = msgRunning
			}
		}

		if comp.Result == Fail {
			s.Result = Fail
		}
		s.Components = append(s.Components, comp)
	}

	if s.Finished {
		s.Message = msgAllDone
		if s.Result == Unknown {
			s.Result = Pass
		}
	}

	return s
}

// describe summarizes the performance records of ids for a component no
// device failed or warned on. Callers hold c.mu.
func (c *Coordinator) describe(step StepType, ids []int) string {
	var values []float64
	ref := 0
	unit := "GBPS"

	for _, id := range ids {
		p, ok := c.perf[id]
		if !ok {
			continue
		}
		switch step {
		case IntegrationPCIe:
			values = append(values, p.PCIeBandwidth)
			ref = p.RefPCIeBandwidth
		case Computation:
			values = append(values, p.GFLOPS)
			ref, unit = p.RefGFLOPS, "GFLOPS"
		case Power:
			values = append(values, p.PeakPower)
			ref, unit = p.RefPeakPower, "W"
		case MemoryBandwidth:
			values = append(values, p.MemoryBandwidth)
			ref = p.RefMemoryBandwidth
		case LinkThroughput:
			values = append(values, p.LinkThroughput...)
			ref = p.RefLinkThroughput
		case LinkAllToAll:
			values = append(values, p.AllToAll)
			ref = p.RefAllToAll
		}
	}

	base := passMessages[step]
	if len(values) == 0 {
		return base
	}

	if step == LinkAllToAll {
		var total float64
		for _, v := range values {
			total += v
		}
		return fmt.Sprintf("%s \n Throughput: %s GBPS. Ref: %d GBPS.", base, round3(total), ref*len(values))
	}

	mean, variance := meanVariance(values)
	desc := fmt.Sprintf("%s \n Mean: %s %s. Var: %s.", base, round3(mean), unit, round3(variance))
	if ref > 0 {
		desc += fmt.Sprintf(" Ref: %d %s.", ref, unit)
	}
	return desc
}

// meanVariance returns the mean and population variance of values.
func meanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, sq / float64(len(values))
}
