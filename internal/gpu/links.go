package gpu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Peer id of a link whose remote end is not one of our GPUs, such as a switch.
const foreignPeer = -2

// Per-link unidirectional bandwidth in GBPS by NVLink version.
var nvlinkSpeeds = map[uint32]float64{
	1: 20,
	2: 25,
	3: 25,
	4: 25,
	5: 50,
}

// activeLinks returns the indices of the links NVML knows about on dev.
func activeLinks(dev nvml.Device) []int {
	var links []int
	for i := 0; i < nvml.NVLINK_MAX_LINKS; i++ {
		if _, ret := dev.GetNvLinkState(i); isAbsent(ret) {
			continue
		}
		links = append(links, i)
	}
	return links
}

// EnumerateLinkPorts reports each NVLink of id as a port of unit 0.
func (b *Backend) EnumerateLinkPorts(id int) ([]device.LinkPort, error) {
	errFactory := errors.New()

	h, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	var ports []device.LinkPort
	for _, link := range activeLinks(h.dev) {
		port := device.LinkPort{
			Local:  device.PortID{Device: id, Port: link},
			Remote: device.PortID{Device: foreignPeer, Port: -1},
		}

		state, ret := h.dev.GetNvLinkState(link)
		switch {
		case !IsNVMLSuccess(ret):
			port.Status = device.PortUnknown
		case state == nvml.FEATURE_ENABLED:
			port.Status = device.PortHealthy
		default:
			port.Status = device.PortDisabled
		}

		if remote, ret := h.dev.GetNvLinkRemotePciInfo(link); IsNVMLSuccess(ret) {
			port.Remote = b.resolvePeer(id, pciKeyOf(remote), link)
		} else if !isAbsent(ret) {
			return nil, errFactory.Wrap(ErrLinkQueryFailed, newNVMLError(ret)).WithData(link)
		}

		if version, ret := h.dev.GetNvLinkVersion(link); IsNVMLSuccess(ret) {
			port.MaxSpeed = nvlinkSpeeds[version]
		}

		ports = append(ports, port)
	}

	return ports, nil
}

// resolvePeer maps a remote PCI address to a device and finds the link on it
// that points back at local, preferring the same link index.
func (b *Backend) resolvePeer(local int, remote pciKey, link int) device.PortID {
	b.mu.RLock()
	peerID, ok := b.byPCI[remote]
	peer := b.handles[peerID]
	self := b.handles[local]
	b.mu.RUnlock()

	if !ok || peer == nil || self == nil {
		return device.PortID{Device: foreignPeer, Port: -1}
	}

	backPort := -1
	for _, l := range activeLinks(peer.dev) {
		info, ret := peer.dev.GetNvLinkRemotePciInfo(l)
		if !IsNVMLSuccess(ret) || pciKeyOf(info) != self.pci {
			continue
		}
		if backPort < 0 || l == link {
			backPort = l
		}
	}

	return device.PortID{Device: peerID, Port: backPort}
}

// LinkCounters reads the transmit side of utilization counter 0 for every
// link of id.
func (b *Backend) LinkCounters(id int) ([]device.LinkCounter, error) {
	errFactory := errors.New()

	h, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	var counters []device.LinkCounter
	for _, link := range activeLinks(h.dev) {
		_, tx, ret := h.dev.GetNvLinkUtilizationCounter(link, 0)
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrLinkCounterFailed, newNVMLError(ret)).WithData(link)
		}
		counters = append(counters, device.LinkCounter{
			Port:      device.PortID{Device: id, Port: link},
			TxBytes:   tx,
			Timestamp: time.Now(),
		})
	}

	return counters, nil
}

// CopyOverLinks asks the kernel runner to copy between every pair at once
// for duration.
func (b *Backend) CopyOverLinks(ctx context.Context, pairs []device.LinkPair, duration time.Duration) error {
	args := []string{"link_copy", "--duration", duration.String()}
	for _, p := range pairs {
		src, err := b.unitSpec(p.Src)
		if err != nil {
			return err
		}
		dst, err := b.unitSpec(p.Dst)
		if err != nil {
			return err
		}
		args = append(args, "--pair", src+","+dst)
	}

	out, err := b.runner.Run(ctx, args)
	if err != nil {
		return err
	}
	b.log.Debug().Int("pairs", len(pairs)).Str("output", strings.TrimSpace(out)).Msg("Link copy finished")
	return nil
}

// unitSpec names a unit for the kernel runner as "<uuid>" or "<uuid>/<index>".
func (b *Backend) unitSpec(u device.Unit) (string, error) {
	h, err := b.lookup(u.Device)
	if err != nil {
		return "", err
	}
	if u.Index < 0 || len(h.units) == 0 {
		return h.info.UUID, nil
	}
	return fmt.Sprintf("%s/%d", h.info.UUID, u.Index), nil
}
