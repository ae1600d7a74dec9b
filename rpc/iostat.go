package rpc

import (
	"net/http"
	"time"

	"github.com/psafont/rrdd-plugins/iostat"
)

type (
	// Iostat is the RPC service exposing the collector's latest cycle.
	Iostat struct {
		Collector *iostat.Collector
	}

	// MetricsRequest selects records; an empty Owner returns everything.
	MetricsRequest struct {
		Owner string `json:"owner"`
	}

	// MetricsResponse carries the records of the most recent cycle.
	MetricsResponse struct {
		Records   []iostat.MetricRecord `json:"records"`
		Collected time.Time             `json:"collected"`
	}

	// StatusRequest is empty.
	StatusRequest struct{}

	// StatusResponse summarizes collector liveness.
	StatusResponse struct {
		Collected time.Time `json:"collected"`
		Records   int       `json:"records"`
	}
)

// LatestMetrics returns the records from the most recent sampling cycle,
// optionally filtered by owner.
func (s *Iostat) LatestMetrics(r *http.Request, req *MetricsRequest, resp *MetricsResponse) error {
	records, collected := s.Collector.Latest()
	if req.Owner != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Owner == req.Owner {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	resp.Records = records
	resp.Collected = collected
	return nil
}

// Status reports when the last cycle ran and how many records it produced.
func (s *Iostat) Status(r *http.Request, req *StatusRequest, resp *StatusResponse) error {
	records, collected := s.Collector.Latest()
	resp.Collected = collected
	resp.Records = len(records)
	return nil
}
