package gpu

import (
	"sync"

	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlController is the library lifecycle the backend depends on. Tests
// replace it to hand out mock devices.
type nvmlController interface {
	Init() error
	Shutdown() error
	DriverVersion() (string, error)
	Devices() ([]nvml.Device, error)
}

// nvmlLibrary drives the process-wide NVML library.
type nvmlLibrary struct {
	mu     sync.Mutex
	loaded bool
}

func (l *nvmlLibrary) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil
	}
	if ret := nvml.Init(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}
	l.loaded = true
	return nil
}

func (l *nvmlLibrary) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil
	}
	l.loaded = false
	if ret := nvml.Shutdown(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	return nil
}

func (l *nvmlLibrary) DriverVersion() (string, error) {
	if err := l.check(); err != nil {
		return "", err
	}

	version, ret := nvml.SystemGetDriverVersion()
	if !IsNVMLSuccess(ret) {
		return "", errors.New().Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}
	return version, nil
}

// Devices returns a handle for every device in NVML index order.
func (l *nvmlLibrary) Devices() ([]nvml.Device, error) {
	errFactory := errors.New()

	if err := l.check(); err != nil {
		return nil, err
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	devs := make([]nvml.Device, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret)).WithData(i)
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

func (l *nvmlLibrary) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return errors.New().New(ErrNotInitialized)
	}
	return nil
}
