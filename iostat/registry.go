package iostat

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// StaleThreshold is how long an unmapped VDI may linger before a scan forces
// an attachment-map refresh.
const StaleThreshold = 5 * time.Minute

type (
	// TapdiskEntry identifies one live backend process and the disk it
	// serves.
	TapdiskEntry struct {
		PID   int
		Minor int
		SR    string
		VDI   string
	}

	// ProcessLister enumerates live backend processes, one line per process.
	ProcessLister interface {
		List() ([]string, error)
	}

	// TapCtlLister shells out to tap-ctl, the production process lister.
	TapCtlLister struct {
		// Path is the tap-ctl binary, defaulting to "tap-ctl".
		Path string
	}

	// tapCtlLine is the structured result of parsing one process line.
	tapCtlLine struct {
		pid      int
		minor    int
		physPath string
	}

	// TapdiskRegistry tracks the set of live tapdisk processes across scan
	// cycles, resolving each to its SR and VDI and driving attachment-map
	// maintenance from the differences between cycles.
	TapdiskRegistry struct {
		lister     ProcessLister
		index      *PhysicalPathIndex
		resolver   *AttachmentResolver
		staleAfter time.Duration

		prev []TapdiskEntry
	}
)

// List invokes tap-ctl and returns its output lines.
func (l *TapCtlLister) List() ([]string, error) {
	bin := l.Path
	if bin == "" {
		bin = "tap-ctl"
	}
	out, err := exec.Command(bin, "list").Output()
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// tap-ctl list lines look like:
//   pid=6423 minor=0 state=0 args=vhd:/dev/sm/backend/<sr>/<vdi>
var tapCtlListRe = regexp.MustCompile(`pid=(\d+)\s+minor=(\d+)\s+state=\S+\s+args=[^:]+:(\S+)`)

// parseTapCtlLine splits one process line into its fields.  Parsing is kept
// separate from path resolution so each is testable on its own.
func parseTapCtlLine(line string) (tapCtlLine, error) {
	m := tapCtlListRe.FindStringSubmatch(line)
	if m == nil {
		return tapCtlLine{}, fmt.Errorf("unparseable tap-ctl line %q", line)
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return tapCtlLine{}, err
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return tapCtlLine{}, err
	}
	return tapCtlLine{pid: pid, minor: minor, physPath: m[3]}, nil
}

// NewTapdiskRegistry creates a registry over the given collaborators.
// staleAfter bounds how long unmapped VDIs may linger before a scan forces an
// attachment-map refresh; zero means StaleThreshold.
func NewTapdiskRegistry(lister ProcessLister, index *PhysicalPathIndex, resolver *AttachmentResolver, staleAfter time.Duration) *TapdiskRegistry {
	if staleAfter <= 0 {
		staleAfter = StaleThreshold
	}
	return &TapdiskRegistry{
		lister:     lister,
		index:      index,
		resolver:   resolver,
		staleAfter: staleAfter,
	}
}

// Scan enumerates the current backend processes and resolves each to its SR
// and VDI.  Entries present last cycle but gone now have their VDI's
// attachment records removed; newly discovered or long-unmapped VDIs trigger
// an attachment-map refresh.  The previous set is replaced before returning.
func (r *TapdiskRegistry) Scan() []TapdiskEntry {
	r.index.Expire()

	lines, err := r.lister.List()
	if err != nil {
		log.WithFields(log.Fields{
			"func":  "List",
			"error": err,
		}).Error("failed to enumerate tapdisk processes")
		lines = nil
	}

	cur := make([]TapdiskEntry, 0, len(lines))
	for _, line := range lines {
		parsed, err := parseTapCtlLine(line)
		if err != nil {
			log.WithFields(log.Fields{
				"func":  "parseTapCtlLine",
				"error": err,
			}).Warning("skipping process line")
			continue
		}
		owner, ok := r.index.Resolve(parsed.physPath)
		if !ok {
			// a live process referring to a device the index cannot explain
			log.WithFields(log.Fields{
				"func": "Resolve",
				"pid":  parsed.pid,
				"path": parsed.physPath,
			}).Error("physical path unresolved after rebuild, dropping device")
			continue
		}
		cur = append(cur, TapdiskEntry{
			PID:   parsed.pid,
			Minor: parsed.minor,
			SR:    owner.SR,
			VDI:   owner.VDI,
		})
	}

	curSet := make(map[TapdiskEntry]bool, len(cur))
	for _, e := range cur {
		curSet[e] = true
	}
	for _, e := range r.prev {
		if !curSet[e] {
			log.WithFields(log.Fields{
				"vdi": e.VDI,
				"pid": e.PID,
			}).Info("tapdisk gone, dropping VDI attachment records")
			r.resolver.Remove(e.VDI)
		}
	}

	if reason := r.updateReason(cur); reason != "" {
		log.WithFields(log.Fields{
			"reason": reason,
		}).Info("refreshing attachment map")
		r.resolver.Refresh()
	}

	r.prev = cur
	return cur
}

// updateReason decides whether the attachment map needs a refresh, in
// priority order: a VDI nobody has seen before, a map that was never built,
// or a map older than the staleness threshold while VDIs remain unmapped.
func (r *TapdiskRegistry) updateReason(cur []TapdiskEntry) string {
	attached := r.resolver.Get()
	prevVDIs := make(map[string]bool, len(r.prev))
	for _, e := range r.prev {
		prevVDIs[e.VDI] = true
	}

	unmapped := false
	for _, e := range cur {
		if _, ok := attached[e.VDI]; ok {
			continue
		}
		unmapped = true
		if !prevVDIs[e.VDI] {
			return "newly discovered VDI"
		}
	}
	if !unmapped {
		return ""
	}

	updated, built := r.resolver.LastUpdated()
	if !built {
		return "initialization"
	}
	if time.Since(updated) > r.staleAfter {
		return "stale"
	}
	return ""
}
