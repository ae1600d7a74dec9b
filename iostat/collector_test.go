package iostat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psafont/rrdd-plugins/xenstore"
)

const testSR = "9f6acb24-76f0-4b42-a5b8-cf0ad5b9f2d1"

type fakeSource struct {
	counters map[int]SysfsCounters
	err      error
}

func (s *fakeSource) Counters() (map[int]SysfsCounters, error) {
	return s.counters, s.err
}

// testCollector wires a collector over two VDIs of one SR, both attached to
// guests through the store.
func testCollector(t *testing.T, source CounterSource) (*Collector, *ShmStatsCache, *PhysicalPathIndex) {
	t.Helper()
	base := t.TempDir()
	makePhyTree(t, base, map[string]PathOwner{
		"/dev/VG/VHD-a": {SR: testSR, VDI: "vdi-a"},
		"/dev/VG/VHD-b": {SR: testSR, VDI: "vdi-b"},
	})

	store := xenstore.NewInMemory()
	store.Set("/local/domain/1/vm", "/vm/vm-uuid-1")
	store.Set("/local/domain/0/backend/vbd/1/768/sm-data/vdi-uuid", "vdi-a")
	store.Set("/local/domain/0/backend/vbd/1/768/dev", "xvda")
	store.Set("/local/domain/2/vm", "/vm/vm-uuid-2")
	store.Set("/local/domain/0/backend/vbd/2/768/sm-data/vdi-uuid", "vdi-b")
	store.Set("/local/domain/0/backend/vbd/2/768/dev", "xvda")

	lister := &fakeLister{lines: []string{
		"pid=10 minor=0 state=0 args=vhd:/dev/VG/VHD-a",
		"pid=11 minor=1 state=0 args=vhd:/dev/VG/VHD-b",
	}}
	index := NewPhysicalPathIndex(base)
	resolver := NewAttachmentResolver(store)
	registry := NewTapdiskRegistry(lister, index, resolver, 0)
	cache := NewShmStatsCache(t.TempDir(), store)

	return NewCollector(registry, resolver, cache, source, time.Second), cache, index
}

func findRecord(t *testing.T, records []MetricRecord, name, owner string) MetricRecord {
	t.Helper()
	for _, rec := range records {
		if rec.Name == name && rec.Owner == owner {
			return rec
		}
	}
	t.Fatalf("no record %q owned by %q", name, owner)
	return MetricRecord{}
}

func hasRecord(records []MetricRecord, name, owner string) bool {
	for _, rec := range records {
		if rec.Name == name && rec.Owner == owner {
			return true
		}
	}
	return false
}

func TestCollectAggregatesSR(t *testing.T) {
	var first, second SysfsCounters
	first[FieldReadIOs] = 100
	first[FieldReadBytes] = 10 * mib
	second = first
	second[FieldReadIOs] = 200
	second[FieldReadBytes] = 11 * mib // +1 MiB

	source := &fakeSource{counters: map[int]SysfsCounters{0: first, 1: first}}
	collector, _, _ := testCollector(t, source)

	collector.Collect(nil)

	source.counters = map[int]SysfsCounters{0: second, 1: second}
	records := collector.Collect(nil)

	// two VDIs, 1 MiB of reads each: the SR total is 2 MiB over the interval
	sr := findRecord(t, records, "io_throughput_read_9f6acb24", HostOwner)
	assert.Equal(t, 2.0, sr.Value)
	bytesRec := findRecord(t, records, "read_9f6acb24", HostOwner)
	assert.Equal(t, float64(2*mib), bytesRec.Value)

	// per-VDI records are owned by the attached VMs
	vm1 := findRecord(t, records, "vbd_xvda_read", "vm-uuid-1")
	assert.Equal(t, float64(1*mib), vm1.Value)
	vm2 := findRecord(t, records, "vbd_xvda_io_throughput_read", "vm-uuid-2")
	assert.Equal(t, 1.0, vm2.Value)
}

func TestCollectUnpluggedSRSuppressed(t *testing.T) {
	var counters SysfsCounters
	counters[FieldReadBytes] = 1 * mib
	source := &fakeSource{counters: map[int]SysfsCounters{0: counters, 1: counters}}
	collector, _, _ := testCollector(t, source)

	records := collector.Collect([]string{testSR})

	assert.False(t, hasRecord(records, "io_throughput_read_9f6acb24", HostOwner))
	// per-VDI reporting is unaffected
	assert.True(t, hasRecord(records, "vbd_xvda_read", "vm-uuid-1"))
}

func TestCollectSingleRebuildPerCycle(t *testing.T) {
	source := &fakeSource{counters: map[int]SysfsCounters{}}
	collector, _, index := testCollector(t, source)

	// both device paths miss the cold index; the rebuild is shared
	collector.Collect(nil)
	assert.Equal(t, uint64(1), index.RebuildCount())

	collector.Collect(nil)
	// warm index: entries hit, no further rebuilds
	assert.Equal(t, uint64(1), index.RebuildCount())
}

func TestCollectPrefersShmSnapshot(t *testing.T) {
	source := &fakeSource{counters: map[int]SysfsCounters{
		0: {}, 1: {},
	}}
	collector, cache, _ := testCollector(t, source)

	cache.load = func(pid int, key DomDev) (*Blktap3Counters, error) {
		return &Blktap3Counters{
			ReadReqsSubmitted: 12,
			ReadReqsCompleted: 10,
			ReadSectors:       2048,
			ReadTotalTicks:    5000,
			Flags:             BT3LowMemoryMode,
		}, nil
	}
	// dom 1 dev 768 serves vdi-a via blktap3
	cache.store.(*xenstore.InMemory).Set("/local/domain/0/backend/vbd3/1/768/kthread-pid", "10")
	cache.add("vbd3-1-768")

	records := collector.Collect(nil)

	// vdi-a derives from the shm snapshot: 1 MiB read, 2 inflight
	rec := findRecord(t, records, "vbd_xvda_read", "vm-uuid-1")
	assert.Equal(t, float64(1*mib), rec.Value)
	inflight := findRecord(t, records, "vbd_xvda_inflight", "vm-uuid-1")
	assert.Equal(t, 2.0, inflight.Value)

	lowmem := findRecord(t, records, "Tapdisks_in_lowmem_mode", HostOwner)
	assert.Equal(t, 1.0, lowmem.Value)
}

func TestCollectLatestSnapshot(t *testing.T) {
	source := &fakeSource{counters: map[int]SysfsCounters{}}
	collector, _, _ := testCollector(t, source)

	before, _ := collector.Latest()
	assert.Empty(t, before)

	records := collector.Collect(nil)
	latest, collected := collector.Latest()
	require.Equal(t, records, latest)
	assert.False(t, collected.IsZero())
}
