package diag

import (
	"testing"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkThroughputRecordsFailedPorts(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 25, 20, 10)
	c := newTestCoordinator(t, b, newFakeHost(2))

	runSteps(t, c, device.All, LinkThroughput)

	dev0, err := c.Result(0)
	require.NoError(t, err)
	dev1, err := c.Result(1)
	require.NoError(t, err)

	assert.Equal(t, "Pass to check link throughput.", component(t, dev0, LinkThroughput).Message)
	assert.Equal(t, "Some link throughput is low.", component(t, dev1, LinkThroughput).Message)

	for _, id := range []int{0, 1} {
		n, err := c.LinkThroughputResults(id, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "failed port is visible from device %d", id)
	}

	dst := make([]PortThroughput, 1)
	_, err = c.LinkThroughputResults(0, dst)
	require.NoError(t, err)
	assert.Equal(t, PortThroughput{
		SrcDevice: 1, DstDevice: 0, Speed: 10, Threshold: 17.5,
	}, dst[0])

	all, err := c.Result(device.All)
	require.NoError(t, err)
	comp := component(t, all, LinkThroughput)
	assert.Equal(t, Fail, comp.Result)
	assert.Equal(t,
		"\n GPU 1 : Some link throughput is low.\n  GPU 1/0 port 0 to GPU 0/0 port 0: 10.000 GBPS. Threshold: 17.500 GBPS.",
		comp.Message)
}

func TestLinkThroughputFallsBackToReference(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 0, 17, 18)
	c := newTestCoordinator(t, b, newFakeHost(2))

	snap := runSteps(t, c, 0, LinkThroughput)
	assert.Equal(t, Pass, component(t, snap, LinkThroughput).Result, "23 GBPS reference scaled by 0.7 is below 17")

	snap = runSteps(t, c, 1, LinkThroughput)
	assert.Equal(t, Pass, component(t, snap, LinkThroughput).Result)
}

func TestRerunDropsStaleLinkFailures(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 25, 5, 20)
	c := newTestCoordinator(t, b, newFakeHost(2))

	runSteps(t, c, 0, LinkThroughput)
	n, err := c.LinkThroughputResults(0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b.mu.Lock()
	b.rates[device.PortID{Device: 0}] = 24
	b.mu.Unlock()

	runSteps(t, c, 0, LinkThroughput)
	n, err = c.LinkThroughputResults(0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinkThroughputTopologyFailures(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 25, 20, 20)
	b.ports[0][0].Status = device.PortFailed
	c := newTestCoordinator(t, b, newFakeHost(2))

	runSteps(t, c, device.All, LinkThroughput)

	dev0, err := c.Result(0)
	require.NoError(t, err)
	dev1, err := c.Result(1)
	require.NoError(t, err)

	assert.Equal(t, "GPU 0 port status is probably failed, disabled or unknown.", component(t, dev0, LinkThroughput).Message)
	assert.Equal(t, "Peer GPU 0 port status is probably failed, disabled or unknown.", component(t, dev1, LinkThroughput).Message)
	assert.Zero(t, b.copies, "no copy runs on a broken topology")
}

func TestLinkThroughputNeedsPeers(t *testing.T) {
	b := newFakeBackend(testDevice(0))
	c := newTestCoordinator(t, b, newFakeHost(1))

	comp := component(t, runSteps(t, c, 0, LinkThroughput), LinkThroughput)
	assert.Equal(t, Fail, comp.Result)
	assert.Equal(t, msgNotSupported, comp.Message)
}

func TestAllToAll(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 50, 100, 50)
	c := newTestCoordinator(t, b, newFakeHost(2))

	runSteps(t, c, device.All, LinkAllToAll)
	assert.Equal(t, 1, b.copies, "one shared pass for every device")

	dev0, err := c.Result(0)
	require.NoError(t, err)
	dev1, err := c.Result(1)
	require.NoError(t, err)

	assert.Equal(t, "Pass to check link all-to-all throughput. Its all-to-all bandwidth is 100.000 GBPS.",
		component(t, dev0, LinkAllToAll).Message)
	assert.Equal(t, "Fail to check link all-to-all throughput. Its all-to-all bandwidth is 50.000 GBPS. Threshold is 93 GBPS.",
		component(t, dev1, LinkAllToAll).Message)
}

func TestAllToAllDescription(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 50, 100, 100)
	c := newTestCoordinator(t, b, newFakeHost(2))

	all := runSteps(t, c, device.All, LinkAllToAll)
	assert.Equal(t, "Pass to check link all-to-all throughput. \n Throughput: 200.000 GBPS. Ref: 234 GBPS.",
		component(t, all, LinkAllToAll).Message)
}

func TestAllToAllSingleDeviceIsUnsupported(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 50, 100, 100)
	c := newTestCoordinator(t, b, newFakeHost(2))

	comp := component(t, runSteps(t, c, 0, LinkAllToAll), LinkAllToAll)
	assert.Equal(t, Fail, comp.Result)
	assert.Equal(t, msgNotSupported, comp.Message)
	assert.Zero(t, b.copies)
}

func TestAllToAllCopyErrorFailsEveryDevice(t *testing.T) {
	b := newFakeBackend(testDevice(0), testDevice(1))
	b.link(0, 1, 50, 100, 100)
	b.copyErr = errors.New().WithMessage(errors.ErrOperationFailed, "copy engine hung")
	c := newTestCoordinator(t, b, newFakeHost(2))

	runSteps(t, c, device.All, LinkAllToAll)
	for _, id := range []int{0, 1} {
		snap, err := c.Result(id)
		require.NoError(t, err)
		assert.Equal(t, "Error in copy engine hung", component(t, snap, LinkAllToAll).Message)
	}
}

func TestAllToAllReference(t *testing.T) {
	assert.Equal(t, 117, allToAllReference(1, 2))
	assert.Equal(t, 117, allToAllReference(1, 3))
	assert.Equal(t, 116, allToAllReference(2, 4))
	assert.Equal(t, 51, allToAllReference(1, 16))
	assert.Zero(t, allToAllReference(1, 1))
}

func TestThroughput(t *testing.T) {
	b := newFakeBackend()
	before := device.LinkCounter{TxBytes: 1e9, Timestamp: b.clock}
	after := device.LinkCounter{TxBytes: 5e9, Timestamp: b.clock.Add(2e9)}

	assert.Equal(t, 2.0, throughput(before, after))
	assert.Zero(t, throughput(after, before))
	assert.Zero(t, throughput(device.LinkCounter{}, after))
}
