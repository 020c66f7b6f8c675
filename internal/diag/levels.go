package diag

import "codeberg.org/mutker/gpudiag/internal/device"

// Platform captures the fleet-wide properties that decide which steps a
// level includes.
type Platform struct {
	// ComputeOnly is set when any device lacks media engines.
	ComputeOnly bool
	// Links is set when at least two devices expose link ports.
	Links bool
}

func platformOf(devs []device.Info) Platform {
	var p Platform
	linked := 0
	for _, d := range devs {
		if !d.MediaEngines {
			p.ComputeOnly = true
		}
		if d.LinkPorts > 0 {
			linked++
		}
	}
	p.Links = linked >= 2
	return p
}

// LevelTargets derives the ordered step list for level on platform.
func LevelTargets(level Level, p Platform) []StepType {
	var targets []StepType

	for t := EnvVariables; t < stepTypeCount; t++ {
		if level == Level1 && t == IntegrationPCIe {
			break
		}
		if level == Level2 && t == Computation {
			break
		}
		if !t.levelStep() {
			continue
		}
		if p.ComputeOnly && (t == MediaCodec || t == LightCodec) {
			continue
		}
		if !p.Links && t == LinkThroughput {
			continue
		}
		targets = append(targets, t)
	}

	return targets
}
