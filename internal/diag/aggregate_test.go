package diag

import (
	"testing"

	"codeberg.org/mutker/gpudiag/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombinedAnnotatesOnlyFailedDevices(t *testing.T) {
	h := newFakeHost(2)
	h.unreadable["/dev/nvidia1"] = true
	c := newTestCoordinator(t, newFakeBackend(testDevice(0), testDevice(1)), h)

	all := runSteps(t, c, device.All, EnvVariables, Permission)

	assert.Equal(t, Fail, all.Result)
	assert.Equal(t, -1, all.DeviceID)
	assert.Equal(t, msgAllDone, all.Message)
	assert.Equal(t, 2, all.Count)

	perm := component(t, all, Permission)
	assert.Equal(t, Fail, perm.Result)
	assert.Equal(t, "\n GPU 1 : Fail to check permission. /dev/nvidia1 is failed.", perm.Message)
	assert.NotContains(t, perm.Message, "GPU 0")

	env := component(t, all, EnvVariables)
	assert.Equal(t, Pass, env.Result)
	assert.Equal(t, "Pass to check environment variables.", env.Message)

	dev0, err := c.Result(0)
	require.NoError(t, err)
	assert.Equal(t, Pass, dev0.Result)
}

func TestCombinedPassesWhenEveryDevicePasses(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0), testDevice(1)), newFakeHost(2))

	all := runSteps(t, c, device.All, EnvVariables, Permission)
	assert.Equal(t, Pass, all.Result)
	for _, comp := range all.Components {
		assert.Equal(t, Pass, comp.Result)
	}
}

func TestCombinedDescribesPerformance(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.setValue(0, device.PCIeBandwidth, 30)
	b.setValue(1, device.PCIeBandwidth, 40)
	c := newTestCoordinator(t, b, newFakeHost(2))

	all := runSteps(t, c, device.All, IntegrationPCIe)
	assert.Equal(t, "Pass to check PCIe bandwidth. \n Mean: 35.000 GBPS. Var: 25.000. Ref: 30 GBPS.",
		component(t, all, IntegrationPCIe).Message)
}

func TestCombinedListsProcesses(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.processes[0] = []device.Process{{PID: 10, Command: "render"}}
	c := newTestCoordinator(t, b, newFakeHost(2))

	all := runSteps(t, c, device.All, Exclusive)
	comp := component(t, all, Exclusive)
	assert.Equal(t, Pass, comp.Result)
	assert.Equal(t, "\n GPU 0 : Warning: 1 processes are using the device.\n  PID: 10 Command: render", comp.Message)
}

func TestCombinedReflectsLatestSingleDeviceRun(t *testing.T) {
	h := newFakeHost(2)
	c := newTestCoordinator(t, newFakeBackend(testDevice(0), testDevice(1)), h)

	runSteps(t, c, device.All, Permission)

	h.unreadable["/dev/nvidia0"] = true
	runSteps(t, c, 0, Permission)

	all, err := c.Result(device.All)
	require.NoError(t, err)
	assert.Equal(t, Fail, all.Result)
	assert.Equal(t, "\n GPU 0 : Fail to check permission. /dev/nvidia0 is failed.", component(t, all, Permission).Message)
}

func TestCombinedIgnoresStepsOutsideDeviceTargets(t *testing.T) {
	c := newTestCoordinator(t, newFakeBackend(testDevice(0), testDevice(1)), newFakeHost(2))

	runSteps(t, c, device.All, Permission)
	runSteps(t, c, 1, Permission, EnvVariables)

	all, err := c.Result(device.All)
	require.NoError(t, err)
	assert.True(t, all.Finished)
	assert.Equal(t, Pass, all.Result)

	env := component(t, all, EnvVariables)
	assert.True(t, env.Finished)
	assert.Equal(t, Pass, env.Result)
	assert.Equal(t, "Pass to check environment variables.", env.Message)
}

func TestMeanVariance(t *testing.T) {
	mean, variance := meanVariance([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 4.0, variance)

	mean, variance = meanVariance(nil)
	assert.Zero(t, mean)
	assert.Zero(t, variance)
}
