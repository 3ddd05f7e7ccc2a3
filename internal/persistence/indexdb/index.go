// Package indexdb keeps a queryable secondary index of simulation events.
// The zstd journal stays the source of truth; index writes are dropped under backpressure.
package indexdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"simcal.ai/internal/sim/calendar"
	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/tuning"
)

var ErrNotQueryable = errors.New("index backend does not support queries")

const defaultRecentLimit = 100

// EventRow is one indexed event.
type EventRow struct {
	ID       int64           `json:"id"`
	Instance string          `json:"instance"`
	Name     string          `json:"event"`
	Step     uint64          `json:"step"`
	SimHours uint64          `json:"sim_hours"`
	Calendar calendar.State  `json:"calendar"`
	Data     json.RawMessage `json:"data"`
	At       time.Time       `json:"at"`
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	WrittenTotal   uint64 `json:"written_total"`
	DroppedTotal   uint64 `json:"dropped_total"`
	FlushFailTotal uint64 `json:"flush_fail_total"`
}

func rowFromEvent(instance string, ev runner.Event) (EventRow, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return EventRow{}, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return EventRow{
		Instance: instance,
		Name:     ev.Name,
		Step:     ev.Step,
		SimHours: ev.SimHours,
		Calendar: ev.Calendar,
		Data:     data,
		At:       at.UTC(),
	}, nil
}

// tuningDigest returns the canonical JSON of t and its sha256.
func tuningDigest(t tuning.Tuning) ([]byte, string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(b)
	return b, hex.EncodeToString(sum[:]), nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}
