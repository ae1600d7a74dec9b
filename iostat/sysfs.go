package iostat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type (
	// CounterSource supplies raw per-device counter vectors keyed by the
	// device minor number.
	CounterSource interface {
		Counters() (map[int]SysfsCounters, error)
	}

	// SysfsCounterSource reads tapdisk block devices from the sysfs block
	// tree.  Per device it reads the eleven stat fields and the inflight
	// pair, and fills in the byte totals from the sector counts.
	SysfsCounterSource struct {
		// Root is the block tree, defaulting to /sys/block.
		Root string
	}
)

// Counters reads every tapdisk device currently present.  Devices that
// vanish mid-read are skipped.
func (s *SysfsCounterSource) Counters() (map[int]SysfsCounters, error) {
	root := s.Root
	if root == "" {
		root = "/sys/block"
	}
	devs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	out := make(map[int]SysfsCounters)
	for _, dev := range devs {
		if !strings.HasPrefix(dev.Name(), "td") {
			continue
		}
		minor, counters, err := s.readDevice(filepath.Join(root, dev.Name()))
		if err != nil {
			log.WithFields(log.Fields{
				"func":   "readDevice",
				"device": dev.Name(),
				"error":  err,
			}).Warning("skipping block device")
			continue
		}
		out[minor] = counters
	}
	return out, nil
}

func (s *SysfsCounterSource) readDevice(dir string) (int, SysfsCounters, error) {
	var counters SysfsCounters

	minor, err := readMinor(filepath.Join(dir, "dev"))
	if err != nil {
		return 0, counters, err
	}

	stat, err := readFields(filepath.Join(dir, "stat"))
	if err != nil {
		return 0, counters, err
	}
	if len(stat) < FieldTimeInQueue+1 {
		return 0, counters, fmt.Errorf("short stat file: %d fields", len(stat))
	}
	copy(counters[:FieldTimeInQueue+1], stat)

	inflight, err := readFields(filepath.Join(dir, "inflight"))
	if err == nil && len(inflight) == 2 {
		counters[FieldInFlightRead] = inflight[0]
		counters[FieldInFlightWrite] = inflight[1]
	}

	counters[FieldReadBytes] = counters[FieldReadSectors] * SectorSize
	counters[FieldWriteBytes] = counters[FieldWriteSectors] * SectorSize
	return minor, counters, nil
}

// readMinor parses a sysfs dev file, "major:minor".
func readMinor(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	parts := strings.Split(strings.TrimSpace(string(data)), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad dev file %q", strings.TrimSpace(string(data)))
	}
	return strconv.Atoi(parts[1])
}

// readFields parses a whitespace-separated unsigned integer file.
func readFields(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	values := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}
