// Package iostat samples block-device I/O on a virtualization host and
// attributes each measurement to the virtual disk, VM and storage repository
// it belongs to.  Identity resolution has to hold up under churn: tapdisk
// processes and their shared-memory stat files appear and disappear
// continuously, so the package maintains a physical-path reverse index that
// self-heals on miss, an attachment map refreshed on a staleness/novelty
// policy, and a notification-driven cache of shared-memory counter
// snapshots.  Cumulative counters from either raw source are diffed into
// per-interval rates and latencies, with counter resets folded back to a
// zero baseline.
package iostat
