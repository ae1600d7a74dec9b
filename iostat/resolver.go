package iostat

import (
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/psafont/rrdd-plugins/xenstore"
)

// Backend device subtrees walked when building the attachment map.  vbd is
// the classic blkback/blktap2 path, vbd3 the blktap3 one.
var backendTypes = []string{"vbd", "vbd3"}

type (
	// Attachment records one VM's use of a VDI.
	Attachment struct {
		VMUUID   string `json:"vm_uuid"`
		DomID    int    `json:"domid"`
		DevID    int    `json:"devid"`
		Position string `json:"position"` // guest device name, e.g. xvda
	}

	// AttachmentResolver maintains the VDI to VM attachment map, rebuilt
	// wholesale from the store on Refresh.  Readers get copies; the map is
	// replaced by a single reference swap so a torn state is never visible.
	AttachmentResolver struct {
		store xenstore.Client

		mu      sync.Mutex
		vdis    map[string][]Attachment
		built   bool
		updated time.Time
	}
)

// NewAttachmentResolver creates a resolver reading from store.  The map is
// empty until the first Refresh.
func NewAttachmentResolver(store xenstore.Client) *AttachmentResolver {
	return &AttachmentResolver{
		store: store,
		vdis:  make(map[string][]Attachment),
	}
}

// Refresh rebuilds the attachment map from scratch.  A failure scoped to one
// domain skips that domain only; a failure to enumerate domains yields an
// empty map rather than retaining stale data.
func (r *AttachmentResolver) Refresh() {
	vdis := make(map[string][]Attachment)

	domids, err := r.store.List("/local/domain")
	if err != nil {
		log.WithFields(log.Fields{
			"func":  "Refresh",
			"error": err,
		}).Error("failed to enumerate domains")
		domids = nil
	}

	for _, d := range domids {
		domid, err := strconv.Atoi(d)
		if err != nil || domid == 0 {
			// dom0 serves, it does not attach
			continue
		}
		if err := r.walkDomain(domid, vdis); err != nil {
			log.WithFields(log.Fields{
				"func":  "walkDomain",
				"domid": domid,
				"error": err,
			}).Error("skipping domain in attachment map refresh")
		}
	}

	r.mu.Lock()
	r.vdis = vdis
	r.built = true
	r.updated = time.Now()
	r.mu.Unlock()
}

// walkDomain reads one guest's backend device subtrees into vdis.
func (r *AttachmentResolver) walkDomain(domid int, vdis map[string][]Attachment) error {
	vmPath, err := r.store.Read(fmt.Sprintf("/local/domain/%d/vm", domid))
	if err != nil {
		return fmt.Errorf("vm path: %w", err)
	}
	vmUUID := path.Base(vmPath)

	for _, backend := range backendTypes {
		base := fmt.Sprintf("/local/domain/0/backend/%s/%d", backend, domid)
		devids, err := r.store.List(base)
		if err == xenstore.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", base, err)
		}
		for _, dev := range devids {
			devid, err := strconv.Atoi(dev)
			if err != nil {
				continue
			}
			vdi, err := r.store.Read(xenstore.Join(base, dev, "sm-data/vdi-uuid"))
			if err == xenstore.ErrNotFound {
				// empty removable-media slot
				continue
			}
			if err != nil {
				return fmt.Errorf("vdi-uuid for device %d: %w", devid, err)
			}
			position, err := r.store.Read(xenstore.Join(base, dev, "dev"))
			if err != nil {
				position = ""
			}
			vdis[vdi] = append(vdis[vdi], Attachment{
				VMUUID:   vmUUID,
				DomID:    domid,
				DevID:    devid,
				Position: position,
			})
		}
	}
	return nil
}

// Remove deletes all attachment records for one VDI in place.  Used when the
// VDI's backing process is confirmed gone.
func (r *AttachmentResolver) Remove(vdi string) {
	r.mu.Lock()
	delete(r.vdis, vdi)
	r.mu.Unlock()
}

// Get returns a snapshot copy of the attachment map.
func (r *AttachmentResolver) Get() map[string][]Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]Attachment, len(r.vdis))
	for vdi, atts := range r.vdis {
		out[vdi] = append([]Attachment(nil), atts...)
	}
	return out
}

// LastUpdated reports when the map was last rebuilt; built is false if
// Refresh has never completed.
func (r *AttachmentResolver) LastUpdated() (updated time.Time, built bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated, r.built
}
