package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db       *sql.DB
	instance string
	log      *log.Logger

	ch   chan EventRow
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	written   atomic.Uint64
	dropped   atomic.Uint64
	flushFail atomic.Uint64
}

func OpenSQLite(path, instance string, logger *log.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:       db,
		instance: instance,
		log:      logger,
		ch:       make(chan EventRow, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance TEXT NOT NULL,
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			sim_hours INTEGER NOT NULL,
			year INTEGER NOT NULL,
			month INTEGER NOT NULL,
			day INTEGER NOT NULL,
			hour INTEGER NOT NULL,
			ticks_into_hour INTEGER NOT NULL,
			data_json TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_name_id ON events(name, id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance_step ON events(instance, step);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Publish queues ev for the writer goroutine. It never blocks.
func (s *SQLiteIndex) Publish(ev runner.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row, err := rowFromEvent(s.instance, ev)
	if err != nil {
		return err
	}
	select {
	case s.ch <- row:
	default:
		// Drop if the indexer falls behind; the journal remains the source of truth.
		if s.dropped.Add(1) == 1 && s.log != nil {
			s.log.Printf("sqlite index queue full; dropping events")
		}
	}
	return nil
}

// RecordTuning stores the tuning actually applied at startup.
func (s *SQLiteIndex) RecordTuning(t tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, digest, err := tuningDigest(t)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning',?)`, string(b)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('instance',?)`, s.instance); err != nil {
		return err
	}
	return tx.Commit()
}

// Recent returns up to limit events, newest first. An empty name matches every event.
func (s *SQLiteIndex) Recent(ctx context.Context, name string, limit int) ([]EventRow, error) {
	q := `SELECT id,instance,name,step,sim_hours,year,month,day,hour,ticks_into_hour,data_json,at FROM events`
	args := []any{}
	if name != "" {
		q += ` WHERE name=?`
		args = append(args, name)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r    EventRow
			data string
			at   string
		)
		if err := rows.Scan(&r.ID, &r.Instance, &r.Name, &r.Step, &r.SimHours,
			&r.Calendar.Year, &r.Calendar.Month, &r.Calendar.Day, &r.Calendar.Hour, &r.Calendar.TicksIntoHour,
			&data, &at); err != nil {
			return nil, err
		}
		r.Data = []byte(data)
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		WrittenTotal:   s.written.Load(),
		DroppedTotal:   s.dropped.Load(),
		FlushFailTotal: s.flushFail.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO events(instance,name,step,sim_hours,year,month,day,hour,ticks_into_hour,data_json,at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 250 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.flushFail.Add(1)
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.flushFail.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	// Idle commits keep readers from waiting on an open write tx.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil || insertEvent == nil {
				continue
			}
			c := r.Calendar
			if _, err := tx.Stmt(insertEvent).Exec(
				r.Instance,
				r.Name,
				int64(r.Step),
				int64(r.SimHours),
				int64(c.Year), int64(c.Month), int64(c.Day), int64(c.Hour), int64(c.TicksIntoHour),
				string(r.Data),
				r.At.Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				continue
			}
			opCount++
			if opCount >= commitEvery {
				commit()
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}
