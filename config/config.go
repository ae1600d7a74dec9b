package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type (
	// Config holds the daemon settings.  Zero values are filled in by
	// NewConfig defaults and cross-checked by Fixup.
	Config struct {
		// PhyBase is the per-SR symlink tree of physical device paths.
		PhyBase string `json:"phy_base"`
		// ShmDir is the directory blktap3 backends publish stats under.
		ShmDir string `json:"shm_dir"`
		// SysfsBlock is the sysfs block device tree.
		SysfsBlock string `json:"sysfs_block"`
		// TapCtl is the tap-ctl binary used to enumerate backend processes.
		TapCtl string `json:"tap_ctl"`
		// XenstoreTool is the xenstore command-line binary.
		XenstoreTool string `json:"xenstore_tool"`
		// Interval is the sampling period in seconds.
		Interval uint `json:"interval"`
		// StaleAfter is the attachment-map staleness threshold in seconds.
		StaleAfter uint `json:"stale_after"`
		// Port is the local HTTP port for the RPC and metrics endpoints.
		Port uint `json:"port"`
		// StatsdAddress enables statsd self-instrumentation when set.
		StatsdAddress string `json:"statsd_address"`
		// UnpluggedSRsFile names a file listing SR uuids, one per line,
		// whose per-SR aggregates are suppressed.  Empty disables the check.
		UnpluggedSRsFile string `json:"unplugged_srs_file"`
	}
)

// NewConfig creates a config with the host defaults.
func NewConfig() *Config {
	return &Config{
		PhyBase:      "/dev/sm/phy",
		ShmDir:       "/dev/shm",
		SysfsBlock:   "/sys/block",
		TapCtl:       "tap-ctl",
		XenstoreTool: "xenstore",
		Interval:     5,
		StaleAfter:   300,
		Port:         8083,
	}
}

// AddConfig merges settings from a JSON file over the current values.  Only
// keys present in the file are touched.
func (c *Config) AddConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Fixup validates the merged config.
func (c *Config) Fixup() error {
	if c.PhyBase == "" {
		return fmt.Errorf("phy_base cannot be empty")
	}
	if c.ShmDir == "" {
		return fmt.Errorf("shm_dir cannot be empty")
	}
	if c.Interval == 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.StaleAfter == 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.Port == 0 {
		return fmt.Errorf("port must be set")
	}
	return nil
}
