// Package stats sends optional statsd self-instrumentation: cycle timings,
// skipped items, index rebuilds.  When Send has not been started, stat calls
// are dropped rather than blocking the sampling loop.
package stats

import (
	"fmt"
	"net"
	"sync/atomic"
)

var (
	stats   = make(chan string, 256)
	done    = make(chan struct{}, 1)
	started atomic.Bool
)

// Counter emits a counter increment.
func Counter(key string, val int) {
	AddStat("%s:%d|c", key, val)
}

// Sample emits a sampled counter.
func Sample(key string, val int, interval float64) {
	AddStat("%s:%d|c|@%f", key, val, interval)
}

// Timer emits a timing in milliseconds.
func Timer(key string, val int) {
	AddStat("%s:%d|ms", key, val)
}

// Gauge emits a gauge value.
func Gauge(key string, val int) {
	AddStat("%s:%d|g", key, val)
}

// Set emits a set member.
func Set(key string, val int) {
	AddStat("%s:%d|s", key, val)
}

// AddStat queues a raw stat line.  Dropped when nothing is draining the
// queue or the queue is full.
func AddStat(format string, params ...interface{}) {
	if !started.Load() {
		return
	}
	select {
	case stats <- fmt.Sprintf(format, params...):
	default:
	}
}

// Send drains queued stats to the statsd daemon at address.  Run it in a
// goroutine; it returns when CloseChannel is called or the connection fails.
func Send(address string) error {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return err
	}
	defer conn.Close()

	started.Store(true)
	defer started.Store(false)

	for {
		select {
		case stat := <-stats:
			if _, err := conn.Write([]byte(stat)); err != nil {
				return err
			}
		case <-done:
			return nil
		}
	}
}

// CloseChannel stops Send.  The stats channel itself is never closed, so
// concurrent AddStat calls stay safe.
func CloseChannel() {
	started.Store(false)
	select {
	case done <- struct{}{}:
	default:
	}
}
