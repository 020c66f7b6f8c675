package diag

import (
	"testing"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDiagnosticsRejectsUnfinishedTask(t *testing.T) {
	b := newFakeBackend(testDevice(0))
	b.gate = make(chan struct{})
	b.values[device.PCIeBandwidth] = 30
	c := newTestCoordinator(t, b, newFakeHost(1))

	_, err := c.StartSpecificDiagnostics(0, []StepType{IntegrationPCIe})
	require.NoError(t, err)
	assert.True(t, c.IsRunning(0))

	_, err = c.StartSpecificDiagnostics(0, []StepType{IntegrationPCIe})
	assert.True(t, errors.HasCode(err, errors.ErrTaskNotComplete))

	_, err = c.StartDiagnostics(device.All, Level1)
	assert.True(t, errors.HasCode(err, errors.ErrTaskNotComplete))

	close(b.gate)
	c.Wait()
	assert.False(t, c.IsRunning(0))

	_, err = c.StartSpecificDiagnostics(0, []StepType{IntegrationPCIe})
	assert.NoError(t, err)
	c.Wait()
}

func TestAllDevicesIsAllOrNothing(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.gate = make(chan struct{})
	c := newTestCoordinator(t, b, newFakeHost(2))

	_, err := c.StartSpecificDiagnostics(1, []StepType{Computation})
	require.NoError(t, err)

	_, err = c.StartSpecificDiagnostics(device.All, []StepType{EnvVariables})
	assert.True(t, errors.HasCode(err, errors.ErrTaskNotComplete))

	c.mu.Lock()
	_, created := c.tasks[0]
	c.mu.Unlock()
	assert.False(t, created, "no task is created when any device is busy")

	close(b.gate)
	c.Wait()
}

func TestResultBeforeAnyTask(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0)), newFakeHost(1))

	_, err := c.Result(0)
	assert.True(t, errors.HasCode(err, errors.ErrTaskNotFound))

	_, err = c.Result(device.All)
	assert.True(t, errors.HasCode(err, errors.ErrTaskNotFound))

	_, err = c.Result(7)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceNotFound))
}

func TestResultIsIdempotentAfterCompletion(t *testing.T) {
	b := newFakeBackend(testDevice(0))
	h := newFakeHost(1)
	c := newTestCoordinator(t, b, h)

	_, err := c.StartDiagnostics(0, Level1)
	require.NoError(t, err)
	c.Wait()

	first, err := c.Result(0)
	require.NoError(t, err)
	second, err := c.Result(0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, first.Finished)
	assert.False(t, first.EndTime.IsZero())
	assert.Equal(t, msgAllDone, first.Message)
	assert.Equal(t, len(first.TargetTypes), first.Count)
	assert.NotEmpty(t, first.RunID)
}

func TestStartValidatesRequest(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0)), newFakeHost(1))

	_, err := c.StartDiagnostics(0, Level(4))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLevel))

	_, err = c.StartDiagnostics(0, LevelSpecific)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLevel))

	_, err = c.StartDiagnostics(3, Level1)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceNotFound))

	tests := []struct {
		name  string
		types []StepType
	}{
		{"empty", nil},
		{"duplicate", []StepType{EnvVariables, EnvVariables}},
		{"invalid", []StepType{StepType(42)}},
		{"too many", append(AllStepTypes(), EnvVariables)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartSpecificDiagnostics(0, tt.types)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidTaskType))
		})
	}
}

func TestNoDevices(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(), newFakeHost(0))

	_, err := c.StartDiagnostics(device.All, Level1)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceNotFound))
}

func TestComponentsFollowTargetOrder(t *testing.T) {
	b := newFakeBackend(testDevice(0))
	c := newTestCoordinator(t, b, newFakeHost(1))

	steps := []StepType{Permission, EnvVariables, HardwareSysman}
	snap := runSteps(t, c, 0, steps...)

	require.Len(t, snap.Components, len(steps))
	for i, comp := range snap.Components {
		assert.Equal(t, steps[i], comp.Type)
		assert.True(t, comp.Finished)
	}
	assert.Equal(t, Fail, snap.Result, "hardware sysman always fails")
}

func TestComponentsBufferProtocol(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0)), newFakeHost(1))
	runSteps(t, c, 0, EnvVariables, Libraries, Permission)

	n, err := c.Components(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.Components(0, make([]Component, 2))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBufferTooSmall))
	var appErr errors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 3, appErr.GetData())

	dst := make([]Component, 3)
	n, err = c.Components(0, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Libraries, dst[1].Type)
}

func TestSinkReceivesFinishedTasks(t *testing.T) {
	sink := &memorySink{}
	c := newTestCoordinator(t, newFakeBackend(testDevice(0), testDevice(1)), newFakeHost(2), WithSink(sink))

	runSteps(t, c, device.All, EnvVariables)

	snaps := sink.recorded()
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.True(t, s.Finished)
		assert.Equal(t, Pass, s.Result)
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0)), newFakeHost(1))
	c.cancel()

	_, err := c.StartDiagnostics(0, Level1)
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
}
