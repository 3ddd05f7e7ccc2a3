package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	persistlog "simcal.ai/internal/persistence/log"
	"simcal.ai/internal/sim/tuning"
)

func main() {
	var (
		eventsDir  = flag.String("events", "./data/events", "events dir containing events-*.jsonl.zst")
		tuningPath = flag.String("tuning", "", "tuning.yaml the journal was written with (optional; defaults apply)")
		instance   = flag.String("instance", "", "only verify entries from this instance (optional)")
		fromStep   = flag.Uint64("from_step", 0, "start verifying from step (inclusive, optional)")
		toStep     = flag.Uint64("to_step", 0, "stop at step (inclusive, optional)")
	)
	flag.Parse()

	t, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}

	files, err := persistlog.ListJournalFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	v := newVerifier(t.Markers)
	v.instance = *instance
	v.fromStep = *fromStep
	v.toStep = *toStep
	for _, path := range files {
		if err := persistlog.ReadJournal(path, v.check); err != nil {
			fmt.Fprintf(os.Stderr, "replay: %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
	fmt.Printf("replay ok: checked=%d entries instances=%d announcer=%d tick_debug=%d state_debug=%d\n",
		v.checked, len(v.lastSeq), v.byName["announcer"], v.byName["tick_debug"], v.byName["state_debug"])
}
