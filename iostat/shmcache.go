package iostat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/psafont/rrdd-plugins/xenstore"
)

type (
	// shmEntry is one cached device.  A nil stats pointer means the shm
	// entry was observed to exist but its contents have not been loaded yet.
	shmEntry struct {
		stats *Blktap3Counters
	}

	// ShmStatsCache is a concurrency-safe cache of blktap3 shared-memory
	// counter snapshots.  A background maintainer keeps the key set in sync
	// with filesystem notifications; readers resolve pending entries
	// lazily, loading each stats file at most once per file lifetime.  The
	// single mutex is held only for map operations, never across a file
	// load or directory scan.
	ShmStatsCache struct {
		dir   string
		store xenstore.Client

		// load is injectable for tests; defaults to loadShmStats.
		load func(pid int, key DomDev) (*Blktap3Counters, error)

		mu      sync.Mutex
		entries map[DomDev]*shmEntry
		loads   uint64
	}
)

// NewShmStatsCache creates a cache watching dir (typically /dev/shm) and
// resolving backend pids through store.
func NewShmStatsCache(dir string, store xenstore.Client) *ShmStatsCache {
	c := &ShmStatsCache{
		dir:     dir,
		store:   store,
		entries: make(map[DomDev]*shmEntry),
	}
	c.load = func(pid int, key DomDev) (*Blktap3Counters, error) {
		return loadShmStats(dir, pid, key)
	}
	return c
}

// Watch runs the maintainer until quit is closed.  It moves through three
// states: initializing a watcher, watching for create/delete events, and
// resyncing after any watch error.  Resync clears the cache, re-enumerates
// the directory and resumes watching.
func (c *ShmStatsCache) Watch(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		default:
		}

		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			err = watcher.Add(c.dir)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "Watch",
				"dir":   c.dir,
				"error": err,
			}).Error("failed to initialize shm watcher, retrying")
			if watcher != nil {
				_ = watcher.Close()
			}
			select {
			case <-quit:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Watch first, then resync, so entries created during the scan are
		// not missed.
		c.resync()
		c.watch(watcher, quit)
		_ = watcher.Close()

		select {
		case <-quit:
			return
		default:
			// fell out on a watch error: loop back into a resync
		}
	}
}

// watch consumes events until quit is closed or the watcher errors.
func (c *ShmStatsCache) watch(watcher *fsnotify.Watcher, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if event.Has(fsnotify.Create) {
				c.add(name)
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				c.remove(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"func":  "watch",
				"dir":   c.dir,
				"error": err,
			}).Error("shm watcher error, resyncing")
			return
		}
	}
}

// add inserts a pending entry for a shm name; malformed names are ignored.
func (c *ShmStatsCache) add(name string) {
	key, ok := parseShmName(name)
	if !ok {
		return
	}
	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = &shmEntry{}
	}
	c.mu.Unlock()
}

// remove drops the entry for a shm name, if any.
func (c *ShmStatsCache) remove(name string) {
	key, ok := parseShmName(name)
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// resync rebuilds the key set from a full directory enumeration.  All
// previously loaded snapshots are discarded; every present entry restarts as
// pending.
func (c *ShmStatsCache) resync() {
	names, err := os.ReadDir(c.dir)
	if err != nil {
		log.WithFields(log.Fields{
			"func":  "resync",
			"dir":   c.dir,
			"error": err,
		}).Error("failed to enumerate shm directory")
		names = nil
	}

	entries := make(map[DomDev]*shmEntry)
	for _, name := range names {
		if key, ok := parseShmName(name.Name()); ok {
			entries[key] = &shmEntry{}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
}

// GetAll returns a copy of every loaded snapshot, resolving pending entries
// where the backend pid is already published.  A backend that has not yet
// published its pid is omitted, not an error; a load failure is logged and
// the entry stays pending for next cycle.
func (c *ShmStatsCache) GetAll() map[DomDev]Blktap3Counters {
	out := make(map[DomDev]Blktap3Counters)

	c.mu.Lock()
	var pending []DomDev
	for key, entry := range c.entries {
		if entry.stats != nil {
			out[key] = *entry.stats
		} else {
			pending = append(pending, key)
		}
	}
	c.mu.Unlock()

	for _, key := range pending {
		pid, err := c.backendPid(key)
		if err == xenstore.ErrNotFound {
			// backend has not published its pid yet
			continue
		}
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "backendPid",
				"key":   key.String(),
				"error": err,
			}).Warning("failed to resolve backend pid")
			continue
		}
		stats, err := c.load(pid, key)
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "load",
				"key":   key.String(),
				"pid":   pid,
				"error": err,
			}).Warning("failed to load shm stats, leaving pending")
			continue
		}

		c.mu.Lock()
		if entry, ok := c.entries[key]; ok {
			entry.stats = stats
			c.loads++
			out[key] = *stats
		}
		// a delete raced the load: drop the result
		c.mu.Unlock()
	}
	return out
}

// LoadCount returns how many stats files have been loaded since startup.
func (c *ShmStatsCache) LoadCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// backendPid resolves the pid of the backend serving key from the store.
func (c *ShmStatsCache) backendPid(key DomDev) (int, error) {
	v, err := c.store.Read(fmt.Sprintf(
		"/local/domain/0/backend/vbd3/%d/%d/kthread-pid", key.Domain, key.Device))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("bad kthread-pid %q: %w", v, err)
	}
	return pid, nil
}
