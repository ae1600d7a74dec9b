package stats

import (
	"time"
)

// TimerMetric measures the duration of one operation.
type TimerMetric struct {
	start time.Time
	key   string
}

// StartTimer begins timing under key.
func StartTimer(key string) *TimerMetric {
	return &TimerMetric{start: time.Now(), key: key}
}

// Stop emits the elapsed time in milliseconds.
func (timer *TimerMetric) Stop() {
	interval := time.Since(timer.start)
	Timer(timer.key, int(interval.Seconds()*1000))
}
