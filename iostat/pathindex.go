package iostat

import (
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

type (
	// PathOwner identifies the SR and VDI a physical device path belongs to.
	PathOwner struct {
		SR  string
		VDI string
	}

	// PhysicalPathIndex reverse-maps a device's physical path to its owning
	// (SR, VDI) pair.  The backing tree is <base>/<sr-uuid>/<vdi-uuid>, each
	// entry a symlink to the physical device.  The index is a cache: a
	// lookup miss triggers one synchronous full rebuild per cycle and a
	// single retry.
	PhysicalPathIndex struct {
		base string

		mu       sync.Mutex
		paths    map[string]PathOwner
		fresh    bool
		rebuilds uint64
	}
)

// NewPhysicalPathIndex creates an index over the SR symlink tree rooted at
// base.  The map is built lazily on the first lookup.
func NewPhysicalPathIndex(base string) *PhysicalPathIndex {
	return &PhysicalPathIndex{
		base:  base,
		paths: make(map[string]PathOwner),
	}
}

// Expire marks the index rebuildable again.  The registry calls this once at
// the start of every scan cycle so that multiple misses within one cycle
// share a single rebuild.
func (x *PhysicalPathIndex) Expire() {
	x.mu.Lock()
	x.fresh = false
	x.mu.Unlock()
}

// Resolve looks up the owner of a physical path.  On a miss the whole index
// is rebuilt once and the lookup retried; a second miss is final for this
// cycle.
func (x *PhysicalPathIndex) Resolve(physPath string) (PathOwner, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if owner, ok := x.paths[physPath]; ok {
		return owner, true
	}
	if x.fresh {
		return PathOwner{}, false
	}
	if err := x.rebuild(); err != nil {
		log.WithFields(log.Fields{
			"func":  "rebuild",
			"base":  x.base,
			"error": err,
		}).Error("failed to rebuild physical path index")
		return PathOwner{}, false
	}
	owner, ok := x.paths[physPath]
	return owner, ok
}

// RebuildCount returns the number of full rebuilds performed so far.
func (x *PhysicalPathIndex) RebuildCount() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rebuilds
}

// rebuild enumerates the SR tree and atomically replaces the index map.
// Caller holds the mutex.
func (x *PhysicalPathIndex) rebuild() error {
	srs, err := os.ReadDir(x.base)
	if err != nil {
		return err
	}

	paths := make(map[string]PathOwner)
	for _, sr := range srs {
		if !sr.IsDir() {
			continue
		}
		vdis, err := os.ReadDir(filepath.Join(x.base, sr.Name()))
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "rebuild",
				"sr":    sr.Name(),
				"error": err,
			}).Warning("skipping unreadable SR directory")
			continue
		}
		for _, vdi := range vdis {
			link := filepath.Join(x.base, sr.Name(), vdi.Name())
			target, err := os.Readlink(link)
			if err != nil {
				continue
			}
			paths[target] = PathOwner{SR: sr.Name(), VDI: vdi.Name()}
		}
	}

	x.paths = paths
	x.fresh = true
	x.rebuilds++
	return nil
}
