package log

import (
	"path/filepath"
	"sync/atomic"

	"simcal.ai/internal/sim/runner"
)

// JournalEntry is one line of the event journal.
type JournalEntry struct {
	Instance string `json:"instance"`
	Seq      uint64 `json:"seq"`
	runner.Event
}

// EventJournal writes every published event to <dataDir>/events/events-*.jsonl.zst.
// It is the source of truth the indexes are built from.
type EventJournal struct {
	w        *JSONLZstdWriter
	instance string
	seq      atomic.Uint64
}

func NewEventJournal(dataDir, instance string) *EventJournal {
	return &EventJournal{
		w:        NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events"),
		instance: instance,
	}
}

func (j *EventJournal) Publish(ev runner.Event) error {
	return j.w.Write(JournalEntry{Instance: j.instance, Seq: j.seq.Add(1), Event: ev})
}

// OnSegmentClosed registers fn to receive every journal file once it is complete.
func (j *EventJournal) OnSegmentClosed(fn func(path string)) { j.w.OnClosed(fn) }

func (j *EventJournal) Close() error { return j.w.Close() }
