package iostat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makePhyTree builds <base>/<sr>/<vdi> -> target symlinks.
func makePhyTree(t *testing.T, base string, links map[string]PathOwner) {
	t.Helper()
	for target, owner := range links {
		dir := filepath.Join(base, owner.SR)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.Symlink(target, filepath.Join(dir, owner.VDI)))
	}
}

func TestResolveRebuildOnMiss(t *testing.T) {
	base := t.TempDir()
	makePhyTree(t, base, map[string]PathOwner{
		"/dev/VG_XenStorage/VHD-aaa": {SR: "sr-1", VDI: "vdi-a"},
		"/dev/VG_XenStorage/VHD-bbb": {SR: "sr-1", VDI: "vdi-b"},
	})

	index := NewPhysicalPathIndex(base)

	owner, ok := index.Resolve("/dev/VG_XenStorage/VHD-aaa")
	require.True(t, ok)
	assert.Equal(t, PathOwner{SR: "sr-1", VDI: "vdi-a"}, owner)
	assert.Equal(t, uint64(1), index.RebuildCount())

	// hits do not rebuild
	_, ok = index.Resolve("/dev/VG_XenStorage/VHD-bbb")
	require.True(t, ok)
	assert.Equal(t, uint64(1), index.RebuildCount())
}

func TestResolveOneRebuildPerCycle(t *testing.T) {
	base := t.TempDir()
	makePhyTree(t, base, map[string]PathOwner{
		"/dev/VG_XenStorage/VHD-aaa": {SR: "sr-1", VDI: "vdi-a"},
	})

	index := NewPhysicalPathIndex(base)
	index.Expire()

	// several misses in the same cycle share one rebuild
	_, ok := index.Resolve("/dev/nope-1")
	assert.False(t, ok)
	_, ok = index.Resolve("/dev/nope-2")
	assert.False(t, ok)
	_, ok = index.Resolve("/dev/nope-3")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), index.RebuildCount())

	// next cycle may rebuild again
	index.Expire()
	_, ok = index.Resolve("/dev/nope-1")
	assert.False(t, ok)
	assert.Equal(t, uint64(2), index.RebuildCount())
}

func TestResolvePicksUpNewSymlink(t *testing.T) {
	base := t.TempDir()
	makePhyTree(t, base, map[string]PathOwner{
		"/dev/VG_XenStorage/VHD-aaa": {SR: "sr-1", VDI: "vdi-a"},
	})

	index := NewPhysicalPathIndex(base)
	_, ok := index.Resolve("/dev/VG_XenStorage/VHD-new")
	require.False(t, ok)

	makePhyTree(t, base, map[string]PathOwner{
		"/dev/VG_XenStorage/VHD-new": {SR: "sr-2", VDI: "vdi-new"},
	})

	// still the same cycle: no second rebuild, still a miss
	_, ok = index.Resolve("/dev/VG_XenStorage/VHD-new")
	assert.False(t, ok)

	index.Expire()
	owner, ok := index.Resolve("/dev/VG_XenStorage/VHD-new")
	require.True(t, ok)
	assert.Equal(t, "sr-2", owner.SR)
}

func TestResolveRebuildFailure(t *testing.T) {
	index := NewPhysicalPathIndex(filepath.Join(t.TempDir(), "missing"))

	_, ok := index.Resolve("/dev/whatever")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), index.RebuildCount())
}
