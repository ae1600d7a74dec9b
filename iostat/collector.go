package iostat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HostOwner tags records that belong to the host rather than a VM.
const HostOwner = "host"

type (
	// MetricRecord is one named value handed to the publishing layer.
	// Owner is HostOwner or a VM uuid.
	MetricRecord struct {
		Name  string  `json:"name"`
		Owner string  `json:"owner"`
		Value float64 `json:"value"`
	}

	// Collector threads all per-cycle state through the sampling loop:
	// previous raw samples, the previous tapdisk set (inside the registry)
	// and the identity components.  One Collect call is one cycle; cycles
	// never overlap.
	Collector struct {
		registry *TapdiskRegistry
		resolver *AttachmentResolver
		cache    *ShmStatsCache
		source   CounterSource
		interval time.Duration

		prevSysfs map[string]SysfsCounters
		prevShm   map[string]*Blktap3Counters

		mu        sync.Mutex
		latest    []MetricRecord
		lastCycle time.Time
	}
)

// NewCollector wires a collector from its collaborators.  interval is the
// external sampling period used to turn deltas into rates.
func NewCollector(registry *TapdiskRegistry, resolver *AttachmentResolver,
	cache *ShmStatsCache, source CounterSource, interval time.Duration) *Collector {
	return &Collector{
		registry:  registry,
		resolver:  resolver,
		cache:     cache,
		source:    source,
		interval:  interval,
		prevSysfs: make(map[string]SysfsCounters),
		prevShm:   make(map[string]*Blktap3Counters),
	}
}

// Collect runs one sampling cycle and returns the resulting records.
// unpluggedSRs lists storage repositories currently unplugged on this host
// (from the management API); their SR-level aggregates are suppressed.
func (c *Collector) Collect(unpluggedSRs []string) []MetricRecord {
	entries := c.registry.Scan()
	attachments := c.resolver.Get()
	shm := c.cache.GetAll()

	counters, err := c.source.Counters()
	if err != nil {
		log.WithFields(log.Fields{
			"func":  "Counters",
			"error": err,
		}).Error("failed to read device counters")
		counters = nil
	}

	perVDI := make(map[string]MetricValue)
	srOf := make(map[string]string)
	nextSysfs := make(map[string]SysfsCounters)
	nextShm := make(map[string]*Blktap3Counters)

	for _, entry := range entries {
		value, ok, err := c.deriveEntry(entry, attachments[entry.VDI], shm, counters, nextSysfs, nextShm)
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "deriveEntry",
				"vdi":   entry.VDI,
				"error": err,
			}).Error("dropping VDI from this cycle")
			continue
		}
		if !ok {
			continue
		}
		perVDI[entry.VDI] = value
		srOf[entry.VDI] = entry.SR
	}

	c.prevSysfs = nextSysfs
	c.prevShm = nextShm

	lowmem := 0
	for _, stats := range shm {
		if stats.Flags&BT3LowMemoryMode != 0 {
			lowmem++
		}
	}

	records := c.buildRecords(perVDI, srOf, attachments, unpluggedSRs, lowmem)

	c.mu.Lock()
	c.latest = records
	c.lastCycle = time.Now()
	c.mu.Unlock()
	return records
}

// Latest returns the records from the most recent cycle and its timestamp.
func (c *Collector) Latest() ([]MetricRecord, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MetricRecord(nil), c.latest...), c.lastCycle
}

// deriveEntry computes the metric value for one tapdisk.  A blktap3
// shared-memory snapshot matched through the attachment map takes priority
// over the sysfs vector for the device minor; a device with neither source is
// skipped.  Panics are contained to the entry.
func (c *Collector) deriveEntry(entry TapdiskEntry, attachments []Attachment,
	shm map[DomDev]Blktap3Counters, counters map[int]SysfsCounters,
	nextSysfs map[string]SysfsCounters, nextShm map[string]*Blktap3Counters) (value MetricValue, ok bool, err error) {

	defer func() {
		if r := recover(); r != nil {
			value, ok = MetricValue{}, false
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for _, att := range attachments {
		if stats, found := shm[DomDev{Domain: att.DomID, Device: att.DevID}]; found {
			cur := &stats
			value = Derive(cur, prevOrNil(c.prevShm[entry.VDI]), c.interval)
			nextShm[entry.VDI] = cur
			return value, true, nil
		}
	}

	if raw, found := counters[entry.Minor]; found {
		var prev RawCounters
		if p, had := c.prevSysfs[entry.VDI]; had {
			prev = p
		}
		value = Derive(raw, prev, c.interval)
		nextSysfs[entry.VDI] = raw
		return value, true, nil
	}

	log.WithFields(log.Fields{
		"vdi":   entry.VDI,
		"minor": entry.Minor,
	}).Debug("no counter source for device this cycle")
	return MetricValue{}, false, nil
}

// prevOrNil avoids a typed-nil RawCounters when no previous sample exists.
func prevOrNil(p *Blktap3Counters) RawCounters {
	if p == nil {
		return nil
	}
	return p
}

// buildRecords renders per-VDI, per-SR and host-level records.  VDIs without
// an SR are reported per-VDI but excluded from aggregation; unplugged SRs are
// excluded from SR records.
func (c *Collector) buildRecords(perVDI map[string]MetricValue, srOf map[string]string,
	attachments map[string][]Attachment, unpluggedSRs []string, lowmem int) []MetricRecord {

	unplugged := make(map[string]bool, len(unpluggedSRs))
	for _, sr := range unpluggedSRs {
		unplugged[sr] = true
	}

	var records []MetricRecord
	bySR := make(map[string][]MetricValue)

	for vdi, value := range perVDI {
		atts := attachments[vdi]
		if len(atts) == 0 {
			records = append(records, vdiRecords("vbd_"+uuid8(vdi), HostOwner, value, c.interval)...)
		}
		for _, att := range atts {
			records = append(records, vdiRecords("vbd_"+att.Position, att.VMUUID, value, c.interval)...)
		}
		if sr := srOf[vdi]; sr != "" && !unplugged[sr] {
			bySR[sr] = append(bySR[sr], value)
		}
	}

	for sr, values := range bySR {
		records = append(records, srRecords(sr, Sumup(values), c.interval)...)
	}

	records = append(records, MetricRecord{
		Name:  "Tapdisks_in_lowmem_mode",
		Owner: HostOwner,
		Value: float64(lowmem),
	})

	sort.Slice(records, func(i, j int) bool {
		if records[i].Owner != records[j].Owner {
			return records[i].Owner < records[j].Owner
		}
		return records[i].Name < records[j].Name
	})
	return records
}

// vdiRecords renders one VDI's value under a vbd_<position> prefix.
func vdiRecords(prefix, owner string, v MetricValue, interval time.Duration) []MetricRecord {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return []MetricRecord{
		{Name: prefix + "_read", Owner: owner, Value: float64(v.RdBytes) / secs},
		{Name: prefix + "_write", Owner: owner, Value: float64(v.WrBytes) / secs},
		{Name: prefix + "_read_latency", Owner: owner, Value: float64(v.RdAvgUsecs)},
		{Name: prefix + "_write_latency", Owner: owner, Value: float64(v.WrAvgUsecs)},
		{Name: prefix + "_iops_read", Owner: owner, Value: v.IopsRead},
		{Name: prefix + "_iops_write", Owner: owner, Value: v.IopsWrite},
		{Name: prefix + "_io_throughput_read", Owner: owner, Value: v.ThroughputRead},
		{Name: prefix + "_io_throughput_write", Owner: owner, Value: v.ThroughputWrite},
		{Name: prefix + "_iowait", Owner: owner, Value: v.Iowait},
		{Name: prefix + "_inflight", Owner: owner, Value: float64(v.Inflight)},
		{Name: prefix + "_avgqu_sz", Owner: owner, Value: v.AvgQueueSize},
	}
}

// srRecords renders one SR's aggregate, suffixed with the first eight uuid
// characters as the original datasource names do.
func srRecords(sr string, v MetricValue, interval time.Duration) []MetricRecord {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	suffix := "_" + uuid8(sr)
	return []MetricRecord{
		{Name: "read" + suffix, Owner: HostOwner, Value: float64(v.RdBytes) / secs},
		{Name: "write" + suffix, Owner: HostOwner, Value: float64(v.WrBytes) / secs},
		{Name: "read_latency" + suffix, Owner: HostOwner, Value: float64(v.RdAvgUsecs)},
		{Name: "write_latency" + suffix, Owner: HostOwner, Value: float64(v.WrAvgUsecs)},
		{Name: "latency" + suffix, Owner: HostOwner, Value: v.LatencyMillis},
		{Name: "iops_read" + suffix, Owner: HostOwner, Value: v.IopsRead},
		{Name: "iops_write" + suffix, Owner: HostOwner, Value: v.IopsWrite},
		{Name: "io_throughput_read" + suffix, Owner: HostOwner, Value: v.ThroughputRead},
		{Name: "io_throughput_write" + suffix, Owner: HostOwner, Value: v.ThroughputWrite},
		{Name: "iowait" + suffix, Owner: HostOwner, Value: v.Iowait},
		{Name: "inflight" + suffix, Owner: HostOwner, Value: float64(v.Inflight)},
		{Name: "avgqu_sz" + suffix, Owner: HostOwner, Value: v.AvgQueueSize},
	}
}

func uuid8(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
