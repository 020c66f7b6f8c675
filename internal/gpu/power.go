package gpu

import (
	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// SamplePower reads the board power of id as its package domain. MIG
// instances do not report power of their own, so there are no sub-domains.
func (b *Backend) SamplePower(id int) (device.PowerSample, error) {
	h, err := b.lookup(id)
	if err != nil {
		return device.PowerSample{}, err
	}

	watts, err := powerUsage(h.dev)
	if err != nil {
		return device.PowerSample{}, err
	}

	return device.PowerSample{Package: []float64{watts}}, nil
}

func powerUsage(dev nvml.Device) (float64, error) {
	usage, ret := dev.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrPowerReadFailed, newNVMLError(ret))
	}

	return float64(usage) / milliWattsToWatts, nil
}
