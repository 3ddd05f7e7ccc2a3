package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type eventRow struct {
	ID       int64           `json:"id"`
	Instance string          `json:"instance"`
	Name     string          `json:"event"`
	Step     int64           `json:"step"`
	SimHours int64           `json:"sim_hours"`
	Year     int64           `json:"current_year"`
	Month    int64           `json:"current_month"`
	Day      int64           `json:"current_day"`
	Hour     int64           `json:"current_hour"`
	Data     json.RawMessage `json:"data"`
	At       string          `json:"at"`
}

type nameCount struct {
	Name  string `json:"event"`
	Count int64  `json:"count"`
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/events.sqlite)")
	name := fs.String("name", "", "event name filter (events)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "events"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "events.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "stat:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	enc := json.NewEncoder(os.Stdout)
	switch q {
	case "events":
		rows, err := queryEvents(db, strings.TrimSpace(*name), *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "counts":
		rows, err := queryCounts(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "meta":
		m, err := queryMeta(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		_ = enc.Encode(m)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(events|counts|meta)")
		os.Exit(2)
	}
}

func queryEvents(db *sql.DB, name string, limit int) ([]eventRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id,instance,name,step,sim_hours,year,month,day,hour,data_json,at`
	if name != "" {
		rows, err = db.Query(`SELECT `+cols+` FROM events WHERE name=? ORDER BY id DESC LIMIT ?`, name, limit)
	} else {
		rows, err = db.Query(`SELECT `+cols+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventRow
	for rows.Next() {
		var r eventRow
		var data string
		if err := rows.Scan(&r.ID, &r.Instance, &r.Name, &r.Step, &r.SimHours, &r.Year, &r.Month, &r.Day, &r.Hour, &data, &r.At); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryCounts(db *sql.DB) ([]nameCount, error) {
	rows, err := db.Query(`SELECT name, COUNT(*) FROM events GROUP BY name ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []nameCount
	for rows.Next() {
		var c nameCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM meta ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
