package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "simcal.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "rate":
			rateCmd(os.Args[2:])
			return
		case "pause":
			controlCmd("pause", os.Args[2:])
			return
		case "resume":
			controlCmd("resume", os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the journal files under the data directory.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	files, err := persistlog.ListJournalFiles(filepath.Join(*dataDir, "events"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Println(filepath.Base(f))
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	file := fs.String("file", "", "single journal file (optional; defaults to every file under <data>/events)")
	name := fs.String("name", "", "event name filter (announcer|tick_debug|state_debug)")
	limit := fs.Int("limit", 20, "print the last N matching entries (0 = all)")
	_ = fs.Parse(args)

	var files []string
	if p := strings.TrimSpace(*file); p != "" {
		files = []string{p}
	} else {
		var err error
		files, err = persistlog.ListJournalFiles(filepath.Join(*dataDir, "events"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
	}

	entries, err := tailJournal(files, strings.TrimSpace(*name), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
}

// tailJournal keeps the last limit entries matching name across files, in journal order.
func tailJournal(files []string, name string, limit int) ([]persistlog.JournalEntry, error) {
	var out []persistlog.JournalEntry
	for _, path := range files {
		err := persistlog.ReadJournal(path, func(e persistlog.JournalEntry) error {
			if name != "" && e.Name != name {
				return nil
			}
			out = append(out, e)
			if limit > 0 && len(out) > limit {
				out = out[1:]
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
