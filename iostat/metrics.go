package iostat

import (
	"time"
)

// Field indexes into a SysfsCounters vector.  The first eleven fields follow
// the kernel's /sys/block/<dev>/stat layout; the source appends the inflight
// pair from /sys/block/<dev>/inflight and the two byte totals derived from
// the sector counts.
const (
	FieldReadIOs = iota
	FieldReadMerges
	FieldReadSectors
	FieldReadTicks
	FieldWriteIOs
	FieldWriteMerges
	FieldWriteSectors
	FieldWriteTicks
	FieldInFlight
	FieldIOTicks
	FieldTimeInQueue
	FieldInFlightRead
	FieldInFlightWrite
	FieldReadBytes
	FieldWriteBytes

	NumSysfsFields
)

// SectorSize is the kernel's fixed sector unit for the sector-count fields.
const SectorSize = 512

const mib = 1 << 20

type (
	// SysfsCounters is the raw counter vector for one block device as
	// produced by the sysfs-style source.
	SysfsCounters [NumSysfsFields]uint64

	// Blktap3Counters is the raw counter set published by a blktap3 backend
	// in its shared-memory statistics file.  Tick fields are microseconds.
	// The field order matches the on-disk layout; see decodeBlktap3.
	Blktap3Counters struct {
		ReadReqsSubmitted  uint64
		ReadReqsCompleted  uint64
		ReadSectors        uint64
		ReadTotalTicks     uint64
		WriteReqsSubmitted uint64
		WriteReqsCompleted uint64
		WriteSectors       uint64
		WriteTotalTicks    uint64
		IOErrors           uint64
		Flags              uint64
	}

	// RawCounters is the tagged union of the two raw counter shapes.
	// Exactly one concrete type feeds any given Derive call; mixing shapes
	// for the same device across cycles resets the baseline.
	RawCounters interface {
		rawCounters()
	}

	// MetricValue is the derived per-interval record for one VDI.  All
	// fields are additive across VDIs of an SR, including the inflight
	// gauge, which aggregates as "total requests in flight on this SR".
	MetricValue struct {
		RdBytes         uint64  `json:"rd_bytes"`
		WrBytes         uint64  `json:"wr_bytes"`
		RdAvgUsecs      uint64  `json:"rd_avg_usecs"`
		WrAvgUsecs      uint64  `json:"wr_avg_usecs"`
		ThroughputRead  float64 `json:"io_throughput_read"` // MiB/s
		ThroughputWrite float64 `json:"io_throughput_write"`
		IopsRead        float64 `json:"iops_read"`
		IopsWrite       float64 `json:"iops_write"`
		Iowait          float64 `json:"iowait"` // seconds
		Inflight        int64   `json:"inflight"`
		LatencyMillis   float64 `json:"latency"`
		AvgQueueSize    float64 `json:"avgqu_sz"`
	}
)

func (SysfsCounters) rawCounters()    {}
func (*Blktap3Counters) rawCounters() {}

// BT3LowMemoryMode is set in Blktap3Counters.Flags while the backend is
// serving requests from its emergency memory pool.
const BT3LowMemoryMode = 0x1

// delta implements the counter-diff policy: a counter that moved backwards
// has been reset (backend restart), so the current value is the delta.
func delta(cur, prev uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}

// avg divides total by count, returning zero for an idle interval.
func avg(total, count uint64) uint64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// Derive converts a current/previous raw counter pair into a MetricValue for
// one sampling interval.  prev may be nil, in which case every previous field
// is taken as zero.  cur and prev must be the same concrete shape.
func Derive(cur, prev RawCounters, interval time.Duration) MetricValue {
	switch c := cur.(type) {
	case SysfsCounters:
		p, _ := prev.(SysfsCounters)
		return deriveSysfs(c, p, interval)
	case *Blktap3Counters:
		p, _ := prev.(*Blktap3Counters)
		if p == nil {
			p = &Blktap3Counters{}
		}
		return deriveBlktap3(c, p, interval)
	}
	return MetricValue{}
}

func deriveSysfs(cur, prev SysfsCounters, interval time.Duration) MetricValue {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}

	rdIOs := delta(cur[FieldReadIOs], prev[FieldReadIOs])
	wrIOs := delta(cur[FieldWriteIOs], prev[FieldWriteIOs])
	rdTicks := delta(cur[FieldReadTicks], prev[FieldReadTicks])
	wrTicks := delta(cur[FieldWriteTicks], prev[FieldWriteTicks])
	rdBytes := delta(cur[FieldReadBytes], prev[FieldReadBytes])
	wrBytes := delta(cur[FieldWriteBytes], prev[FieldWriteBytes])
	ioTicks := delta(cur[FieldIOTicks], prev[FieldIOTicks])
	queued := delta(cur[FieldTimeInQueue], prev[FieldTimeInQueue])

	var latency float64
	if rdIOs+wrIOs > 0 {
		latency = float64(rdTicks+wrTicks) / float64(rdIOs+wrIOs)
	}

	return MetricValue{
		RdBytes: rdBytes,
		WrBytes: wrBytes,
		// stat ticks are milliseconds
		RdAvgUsecs:      avg(rdTicks*1000, rdIOs),
		WrAvgUsecs:      avg(wrTicks*1000, wrIOs),
		ThroughputRead:  float64(rdBytes) / mib / secs,
		ThroughputWrite: float64(wrBytes) / mib / secs,
		IopsRead:        float64(rdIOs) / secs,
		IopsWrite:       float64(wrIOs) / secs,
		Iowait:          float64(ioTicks) / 1000,
		Inflight:        int64(cur[FieldInFlight]),
		LatencyMillis:   latency,
		AvgQueueSize:    float64(queued) / 1000 / secs,
	}
}

func deriveBlktap3(cur, prev *Blktap3Counters, interval time.Duration) MetricValue {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}

	rdIOs := delta(cur.ReadReqsCompleted, prev.ReadReqsCompleted)
	wrIOs := delta(cur.WriteReqsCompleted, prev.WriteReqsCompleted)
	rdTicks := delta(cur.ReadTotalTicks, prev.ReadTotalTicks)
	wrTicks := delta(cur.WriteTotalTicks, prev.WriteTotalTicks)
	rdBytes := delta(cur.ReadSectors, prev.ReadSectors) * SectorSize
	wrBytes := delta(cur.WriteSectors, prev.WriteSectors) * SectorSize

	var latency float64
	if rdIOs+wrIOs > 0 {
		// ticks are microseconds here
		latency = float64(rdTicks+wrTicks) / float64(rdIOs+wrIOs) / 1000
	}

	// Inflight is instantaneous, not diffed: requests submitted but not yet
	// completed at the moment of the snapshot.
	inflight := int64(cur.ReadReqsSubmitted-cur.ReadReqsCompleted) +
		int64(cur.WriteReqsSubmitted-cur.WriteReqsCompleted)

	return MetricValue{
		RdBytes:         rdBytes,
		WrBytes:         wrBytes,
		RdAvgUsecs:      avg(rdTicks, rdIOs),
		WrAvgUsecs:      avg(wrTicks, wrIOs),
		ThroughputRead:  float64(rdBytes) / mib / secs,
		ThroughputWrite: float64(wrBytes) / mib / secs,
		IopsRead:        float64(rdIOs) / secs,
		IopsWrite:       float64(wrIOs) / secs,
		Iowait:          float64(rdTicks+wrTicks) / 1e6,
		Inflight:        inflight,
		LatencyMillis:   latency,
		// queue size is a gauge: busy microseconds over the interval
		AvgQueueSize: float64(rdTicks+wrTicks) / 1e6 / secs,
	}
}

// Sumup adds the MetricValues of all VDIs belonging to one SR.  An empty or
// nil input yields the zero value.
func Sumup(values []MetricValue) MetricValue {
	var total MetricValue
	for _, v := range values {
		total.RdBytes += v.RdBytes
		total.WrBytes += v.WrBytes
		total.RdAvgUsecs += v.RdAvgUsecs
		total.WrAvgUsecs += v.WrAvgUsecs
		total.ThroughputRead += v.ThroughputRead
		total.ThroughputWrite += v.ThroughputWrite
		total.IopsRead += v.IopsRead
		total.IopsWrite += v.IopsWrite
		total.Iowait += v.Iowait
		total.Inflight += v.Inflight
		total.LatencyMillis += v.LatencyMillis
		total.AvgQueueSize += v.AvgQueueSize
	}
	return total
}
