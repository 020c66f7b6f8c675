package diag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
)

const (
	// Per-port references in GBPS when a port does not report its rated speed.
	linkRefSingleUnit = 23
	linkRefDualUnit   = 19

	allToAllMinRatio = 0.8
)

// allToAllRefs maps units per device to device count to reference GBPS.
var allToAllRefs = map[int]map[int]int{
	1: {2: 117, 4: 55, 8: 51},
	2: {2: 303, 4: 116, 8: 67},
}

func linkReference(dev device.Info) int {
	if dev.Units >= 2 {
		return linkRefDualUnit
	}
	return linkRefSingleUnit
}

// allToAllReference returns the reference for n devices, falling back to the
// largest listed topology not bigger than n.
func allToAllReference(units, n int) int {
	table := allToAllRefs[1]
	if units >= 2 {
		table = allToAllRefs[2]
	}

	best, ref := 0, 0
	for size, v := range table {
		if size <= n && size > best {
			best, ref = size, v
		}
	}
	return ref
}

// usablePorts enumerates id's ports and fails when there are none or one is
// not healthy or degraded.
func (c *Coordinator) usablePorts(id int) ([]device.LinkPort, error) {
	errFactory := errors.New()

	ports, err := c.backend.EnumerateLinkPorts(id)
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errFactory.WithMessage(errors.ErrTopology, fmt.Sprintf("GPU %d has no link port.", id))
	}
	for _, p := range ports {
		if !p.Status.Usable() {
			return nil, errFactory.WithMessage(errors.ErrTopology,
				fmt.Sprintf("GPU %d port status is probably failed, disabled or unknown.", id))
		}
	}
	return ports, nil
}

func (c *Coordinator) stepLinkThroughput(ctx context.Context, r *run, dev device.Info) (outcome, error) {
	ports, err := c.usablePorts(dev.ID)
	if err != nil {
		if errors.HasCode(err, errors.ErrTopology) {
			return failed(err.Error()), nil
		}
		return outcome{}, err
	}

	// Group the local ports by the unit pair they connect.
	groups := make(map[device.LinkPair][]device.LinkPort)
	checkedPeers := make(map[int]bool)
	for _, p := range ports {
		peer, ok := findDevice(r.all, p.Remote.Device)
		if !ok || peer.ID == dev.ID {
			continue
		}
		if !checkedPeers[peer.ID] {
			if _, err := c.usablePorts(peer.ID); err != nil {
				if errors.HasCode(err, errors.ErrTopology) {
					return failed("Peer " + err.Error()), nil
				}
				return outcome{}, err
			}
			checkedPeers[peer.ID] = true
		}

		pair := device.LinkPair{
			Src: device.Unit{Device: dev.ID, Index: p.Local.Unit},
			Dst: device.Unit{Device: peer.ID, Index: p.Remote.Unit},
		}
		groups[pair] = append(groups[pair], p)
	}
	if len(groups) == 0 {
		return failed(fmt.Sprintf("GPU %d has no reachable peer.", dev.ID)), nil
	}

	pairs := make([]device.LinkPair, 0, len(groups))
	for pair := range groups {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.Dst.Device != b.Dst.Device {
			return a.Dst.Device < b.Dst.Device
		}
		if a.Src.Index != b.Src.Index {
			return a.Src.Index < b.Src.Index
		}
		return a.Dst.Index < b.Dst.Index
	})

	ratio := r.catalog.Globals().LinkUsageRatio
	ref := linkReference(dev)

	var speeds []float64
	var fails []PortThroughput
	for _, pair := range pairs {
		measured, err := c.measurePair(ctx, pair, groups[pair])
		if err != nil {
			return outcome{}, err
		}
		for _, m := range measured {
			rated := m.port.MaxSpeed
			if rated <= 0 {
				rated = float64(ref)
			}
			threshold := rated * ratio
			speeds = append(speeds, m.gbps)
			if m.gbps < threshold {
				fails = append(fails, PortThroughput{
					SrcDevice: m.port.Local.Device,
					SrcUnit:   m.port.Local.Unit,
					SrcPort:   m.port.Local.Port,
					DstDevice: m.port.Remote.Device,
					DstUnit:   m.port.Remote.Unit,
					DstPort:   m.port.Remote.Port,
					Speed:     m.gbps,
					Threshold: threshold,
				})
			}
		}
	}

	c.withPerf(dev.ID, func(p *PerfRecord) {
		p.LinkThroughput = speeds
		p.RefLinkThroughput = ref
	})

	if len(fails) > 0 {
		c.mu.Lock()
		c.linkFails = append(c.linkFails, fails...)
		c.mu.Unlock()
		return failed("Some link throughput is low."), nil
	}
	return passed("Pass to check link throughput."), nil
}

type portSpeed struct {
	port device.LinkPort
	gbps float64
}

// measurePair copies over one unit pair and derives each port's transmit
// throughput from its counters before and after the copy.
func (c *Coordinator) measurePair(ctx context.Context, pair device.LinkPair, ports []device.LinkPort) ([]portSpeed, error) {
	before, err := c.backend.LinkCounters(pair.Src.Device)
	if err != nil {
		return nil, err
	}
	if err := c.backend.CopyOverLinks(ctx, []device.LinkPair{pair}, c.cfg.linkCopyDuration); err != nil {
		return nil, err
	}
	after, err := c.backend.LinkCounters(pair.Src.Device)
	if err != nil {
		return nil, err
	}

	start := countersByPort(before)
	end := countersByPort(after)

	out := make([]portSpeed, 0, len(ports))
	for _, p := range ports {
		out = append(out, portSpeed{port: p, gbps: throughput(start[p.Local], end[p.Local])})
	}
	return out, nil
}

func countersByPort(counters []device.LinkCounter) map[device.PortID]device.LinkCounter {
	m := make(map[device.PortID]device.LinkCounter, len(counters))
	for _, lc := range counters {
		m[lc.Port] = lc
	}
	return m
}

// throughput is the GBPS between two samples of the same counter.
func throughput(before, after device.LinkCounter) float64 {
	elapsed := after.Timestamp.Sub(before.Timestamp).Seconds()
	if before.Timestamp.IsZero() || elapsed <= 0 || after.TxBytes < before.TxBytes {
		return 0
	}
	return float64(after.TxBytes-before.TxBytes) / elapsed / 1e9
}

// allToAll drives copies between every reachable pair of r's devices at
// once and judges each device by the best aggregate transmit throughput
// seen while the copies ran.
func (c *Coordinator) allToAll(ctx context.Context, r *run) (map[int]outcome, error) {
	results := make(map[int]outcome, len(r.devices))

	ports := make(map[int][]device.LinkPort)
	for _, dev := range r.devices {
		p, err := c.usablePorts(dev.ID)
		if err != nil {
			if !errors.HasCode(err, errors.ErrTopology) {
				return nil, err
			}
			results[dev.ID] = failed(err.Error())
			continue
		}
		ports[dev.ID] = p
	}

	seen := make(map[device.LinkPair]bool)
	var pairs []device.LinkPair
	members := make([]int, 0, len(ports))
	for _, dev := range r.devices {
		for _, p := range ports[dev.ID] {
			if _, ok := ports[p.Remote.Device]; !ok || p.Remote.Device == dev.ID {
				continue
			}
			pair := device.LinkPair{
				Src: device.Unit{Device: dev.ID, Index: p.Local.Unit},
				Dst: device.Unit{Device: p.Remote.Device, Index: p.Remote.Unit},
			}
			if !seen[pair] {
				seen[pair] = true
				pairs = append(pairs, pair)
			}
		}
		if _, ok := ports[dev.ID]; ok {
			members = append(members, dev.ID)
		}
	}

	if len(members) < 2 || len(pairs) == 0 {
		for _, id := range members {
			results[id] = failed(msgNotSupported)
		}
		return results, nil
	}

	sampler := newLinkSampler(c, members, c.cfg.sampleInterval)
	err := c.backend.CopyOverLinks(ctx, pairs, c.cfg.linkCopyDuration)
	best := sampler.stop()
	if err != nil {
		return nil, err
	}

	for _, id := range members {
		dev, _ := findDevice(r.devices, id)
		ref := allToAllReference(dev.Units, len(members))
		threshold := int(allToAllMinRatio * float64(ref))
		gbps := best[id]

		c.withPerf(id, func(p *PerfRecord) {
			p.AllToAll = gbps
			p.RefAllToAll = ref
		})

		detail := fmt.Sprintf("Its all-to-all bandwidth is %s GBPS.", round3(gbps))
		if threshold <= 0 || gbps < float64(threshold) {
			results[id] = failed(fmt.Sprintf("Fail to check link all-to-all throughput. %s Threshold is %d GBPS.", detail, threshold))
		} else {
			results[id] = passed("Pass to check link all-to-all throughput. " + detail)
		}
	}

	return results, nil
}

// linkSampler polls the transmit counters of several devices and keeps, per
// device, the best aggregate throughput between consecutive samples.
type linkSampler struct {
	c       *Coordinator
	devices []int
	done    chan struct{}
	wg      sync.WaitGroup

	last map[int]map[device.PortID]device.LinkCounter
	best map[int]float64
}

func newLinkSampler(c *Coordinator, devices []int, interval time.Duration) *linkSampler {
	if interval <= 0 {
		interval = time.Second
	}

	s := &linkSampler{
		c:       c,
		devices: devices,
		done:    make(chan struct{}),
		last:    make(map[int]map[device.PortID]device.LinkCounter),
		best:    make(map[int]float64),
	}
	s.sample()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()

	return s
}

func (s *linkSampler) sample() {
	for _, id := range s.devices {
		counters, err := s.c.backend.LinkCounters(id)
		if err != nil {
			s.c.log.Debug().Err(err).Int("device", id).Msg("Failed to read link counters")
			continue
		}

		cur := countersByPort(counters)
		if prev, ok := s.last[id]; ok {
			var total float64
			for port, lc := range cur {
				total += throughput(prev[port], lc)
			}
			if total > s.best[id] {
				s.best[id] = total
			}
		}
		s.last[id] = cur
	}
}

// stop takes a final sample after the sampler goroutine exits.
func (s *linkSampler) stop() map[int]float64 {
	close(s.done)
	s.wg.Wait()
	s.sample()
	return s.best
}

// dropLinkFails forgets failed ports touching id. Callers hold c.mu.
func (c *Coordinator) dropLinkFails(id int) {
	kept := c.linkFails[:0]
	for _, lf := range c.linkFails {
		if lf.SrcDevice != id && lf.DstDevice != id {
			kept = append(kept, lf)
		}
	}
	c.linkFails = kept
}

// linkFailsOf returns the failed ports touching id. Callers hold c.mu.
func (c *Coordinator) linkFailsOf(id int) []PortThroughput {
	var out []PortThroughput
	for _, lf := range c.linkFails {
		if id == device.All || lf.SrcDevice == id || lf.DstDevice == id {
			out = append(out, lf)
		}
	}
	return out
}

// LinkThroughputResults copies the failed ports recorded for id, as either
// endpoint, into dst using the count/buffer protocol.
func (c *Coordinator) LinkThroughputResults(id int, dst []PortThroughput) (int, error) {
	if err := checkTarget(c.devices(), id); err != nil {
		return 0, err
	}

	c.mu.Lock()
	fails := c.linkFailsOf(id)
	c.mu.Unlock()

	return copyInto(dst, fails)
}
