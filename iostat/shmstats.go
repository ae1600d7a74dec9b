package iostat

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Blktap3 backends announce themselves as <shm>/vbd3-<domid>-<devid> entries
// and publish their counters under <shm>/td3-<pid>/vbd-<domid>-<devid>, which
// is why loading a snapshot needs the backend pid from the store first.

const shmEntryPrefix = "vbd3-"

type (
	// DomDev keys a shared-memory stats entry by guest domain and device id.
	DomDev struct {
		Domain int
		Device int
	}
)

func (k DomDev) String() string {
	return fmt.Sprintf("vbd3-%d-%d", k.Domain, k.Device)
}

// parseShmName extracts the (domain, device) key from a shm entry name.
func parseShmName(name string) (DomDev, bool) {
	rest, ok := strings.CutPrefix(name, shmEntryPrefix)
	if !ok {
		return DomDev{}, false
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 2 {
		return DomDev{}, false
	}
	domain, err := strconv.Atoi(parts[0])
	if err != nil {
		return DomDev{}, false
	}
	device, err := strconv.Atoi(parts[1])
	if err != nil {
		return DomDev{}, false
	}
	return DomDev{Domain: domain, Device: device}, true
}

// shmStatsPath is where a backend with the given pid publishes counters for
// key.
func shmStatsPath(shmDir string, pid int, key DomDev) string {
	return filepath.Join(shmDir,
		fmt.Sprintf("td3-%d", pid),
		fmt.Sprintf("vbd-%d-%d", key.Domain, key.Device))
}

// decodeBlktap3 reads the fixed little-endian counter block a blktap3
// backend publishes.  The field order matches Blktap3Counters.
func decodeBlktap3(r io.Reader) (*Blktap3Counters, error) {
	var c Blktap3Counters
	if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadShmStats opens and decodes one backend's stats file.
func loadShmStats(shmDir string, pid int, key DomDev) (*Blktap3Counters, error) {
	f, err := os.Open(shmStatsPath(shmDir, pid, key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeBlktap3(f)
}
