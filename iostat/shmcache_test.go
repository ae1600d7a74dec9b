package iostat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psafont/rrdd-plugins/xenstore"
)

func TestParseShmName(t *testing.T) {
	key, ok := parseShmName("vbd3-5-768")
	require.True(t, ok)
	assert.Equal(t, DomDev{Domain: 5, Device: 768}, key)

	for _, bad := range []string{"vbd3-5", "vbd3-x-768", "td3-123", "pulse", "vbd3-1-2-3"} {
		_, ok := parseShmName(bad)
		assert.False(t, ok, bad)
	}
}

func TestGetAllLoadsOncePerFileLifetime(t *testing.T) {
	store := xenstore.NewInMemory()
	cache := NewShmStatsCache(t.TempDir(), store)

	var loads int
	cache.load = func(pid int, key DomDev) (*Blktap3Counters, error) {
		loads++
		return &Blktap3Counters{ReadSectors: uint64(pid)}, nil
	}

	// create event observed for key
	cache.add("vbd3-1-768")

	// backend pid not yet published: key omitted, no load attempted
	out := cache.GetAll()
	assert.Empty(t, out)
	assert.Equal(t, 0, loads)

	store.Set("/local/domain/0/backend/vbd3/1/768/kthread-pid", "4242")

	out = cache.GetAll()
	require.Contains(t, out, DomDev{Domain: 1, Device: 768})
	assert.Equal(t, uint64(4242), out[DomDev{Domain: 1, Device: 768}].ReadSectors)
	assert.Equal(t, 1, loads)
	assert.Equal(t, uint64(1), cache.LoadCount())

	// subsequent reads serve the cached snapshot
	out = cache.GetAll()
	require.Contains(t, out, DomDev{Domain: 1, Device: 768})
	assert.Equal(t, 1, loads)

	// delete event removes the entry
	cache.remove("vbd3-1-768")
	assert.Empty(t, cache.GetAll())
}

func TestGetAllLoadFailureLeavesPending(t *testing.T) {
	store := xenstore.NewInMemory()
	store.Set("/local/domain/0/backend/vbd3/1/768/kthread-pid", "99")
	cache := NewShmStatsCache(t.TempDir(), store)

	fail := true
	var loads int
	cache.load = func(pid int, key DomDev) (*Blktap3Counters, error) {
		loads++
		if fail {
			return nil, errors.New("shm file truncated")
		}
		return &Blktap3Counters{}, nil
	}

	cache.add("vbd3-1-768")
	assert.Empty(t, cache.GetAll())
	assert.Equal(t, 1, loads)

	// the entry stayed pending, so the next cycle retries
	fail = false
	assert.Len(t, cache.GetAll(), 1)
	assert.Equal(t, 2, loads)
}

func TestGetAllReturnsCopies(t *testing.T) {
	store := xenstore.NewInMemory()
	store.Set("/local/domain/0/backend/vbd3/3/51712/kthread-pid", "7")
	cache := NewShmStatsCache(t.TempDir(), store)
	cache.load = func(pid int, key DomDev) (*Blktap3Counters, error) {
		return &Blktap3Counters{WriteSectors: 11}, nil
	}
	cache.add("vbd3-3-51712")

	out := cache.GetAll()
	key := DomDev{Domain: 3, Device: 51712}
	snap := out[key]
	snap.WriteSectors = 999
	out[key] = snap

	again := cache.GetAll()
	assert.Equal(t, uint64(11), again[key].WriteSectors)
}

func TestResyncRebuildsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "vbd3-1-768"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "vbd3-2-768"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "td3-555"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pulse"), nil, 0o644))

	cache := NewShmStatsCache(dir, xenstore.NewInMemory())
	cache.add("vbd3-9-9") // leftover entry from before the resync

	cache.resync()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Len(t, cache.entries, 2)
	assert.Contains(t, cache.entries, DomDev{Domain: 1, Device: 768})
	assert.Contains(t, cache.entries, DomDev{Domain: 2, Device: 768})
	assert.NotContains(t, cache.entries, DomDev{Domain: 9, Device: 9})
}

func TestDecodeBlktap3(t *testing.T) {
	want := Blktap3Counters{
		ReadReqsSubmitted:  5,
		ReadReqsCompleted:  4,
		ReadSectors:        2048,
		ReadTotalTicks:     100,
		WriteReqsSubmitted: 3,
		WriteReqsCompleted: 3,
		WriteSectors:       16,
		WriteTotalTicks:    50,
		IOErrors:           1,
		Flags:              BT3LowMemoryMode,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &want))

	got, err := decodeBlktap3(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	_, err = decodeBlktap3(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
