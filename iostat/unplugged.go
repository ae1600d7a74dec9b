package iostat

import (
	"os"
	"strings"
)

type (
	// UnpluggedSRSource supplies the SR uuids whose per-SR aggregates must be
	// suppressed for the current cycle.
	UnpluggedSRSource interface {
		UnpluggedSRs() ([]string, error)
	}

	// FileUnpluggedSRs reads SR uuids, one per line, from a file maintained
	// by the storage manager. A missing file means no SR is unplugged.
	FileUnpluggedSRs struct {
		Path string
	}
)

func (f *FileUnpluggedSRs) UnpluggedSRs() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var srs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		srs = append(srs, line)
	}
	return srs, nil
}
