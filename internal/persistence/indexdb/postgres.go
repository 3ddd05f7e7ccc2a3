package indexdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/tuning"
)

// PostgresIndex mirrors SQLiteIndex on a shared Postgres database, so several
// instances can be queried together by instance id.
type PostgresIndex struct {
	pool     *pgxpool.Pool
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

const pgBatchSize = 256

func OpenPostgres(ctx context.Context, databaseURL, instance string, logger *log.Logger) (*PostgresIndex, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	p := &PostgresIndex{
		pool:     pool,
		instance: instance,
		log:      logger,
		ch:       make(chan EventRow, 65536),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS simcal_meta (
			instance TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (instance, key)
		)`,
		`CREATE TABLE IF NOT EXISTS simcal_events (
			id BIGSERIAL PRIMARY KEY,
			instance TEXT NOT NULL,
			name TEXT NOT NULL,
			step BIGINT NOT NULL,
			sim_hours BIGINT NOT NULL,
			year BIGINT NOT NULL,
			month BIGINT NOT NULL,
			day BIGINT NOT NULL,
			hour BIGINT NOT NULL,
			ticks_into_hour BIGINT NOT NULL,
			data JSONB NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simcal_events_name_id ON simcal_events(name, id)`,
		`CREATE INDEX IF NOT EXISTS idx_simcal_events_instance_step ON simcal_events(instance, step)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresIndex) Close() error {
	if p == nil {
		return nil
	}
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		p.pool.Close()
	})
	return nil
}

func (p *PostgresIndex) Publish(ev runner.Event) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	row, err := rowFromEvent(p.instance, ev)
	if err != nil {
		return err
	}
	select {
	case p.ch <- row:
	default:
		if p.dropped.Add(1) == 1 && p.log != nil {
			p.log.Printf("postgres index queue full; dropping events")
		}
	}
	return nil
}

func (p *PostgresIndex) RecordTuning(t tuning.Tuning) error {
	if p == nil {
		return nil
	}
	b, digest, err := tuningDigest(t)
	if err != nil {
		return err
	}
	const upsert = `INSERT INTO simcal_meta(instance,key,value) VALUES($1,$2,$3)
		ON CONFLICT (instance,key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	batch := &pgx.Batch{}
	batch.Queue(upsert, p.instance, "tuning", string(b))
	batch.Queue(upsert, p.instance, "tuning_digest", digest)
	return p.pool.SendBatch(context.Background(), batch).Close()
}

func (p *PostgresIndex) Recent(ctx context.Context, name string, limit int) ([]EventRow, error) {
	q := `SELECT id,instance,name,step,sim_hours,year,month,day,hour,ticks_into_hour,data,at FROM simcal_events`
	args := []any{}
	if name != "" {
		q += ` WHERE name=$1`
		args = append(args, name)
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r    EventRow
			data []byte
		)
		if err := rows.Scan(&r.ID, &r.Instance, &r.Name, &r.Step, &r.SimHours,
			&r.Calendar.Year, &r.Calendar.Month, &r.Calendar.Day, &r.Calendar.Hour, &r.Calendar.TicksIntoHour,
			&data, &r.At); err != nil {
			return nil, err
		}
		r.Data = data
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(p.ch),
		QueueCapacity:  cap(p.ch),
		WrittenTotal:   p.written.Load(),
		DroppedTotal:   p.dropped.Load(),
		FlushFailTotal: p.flushFail.Load(),
	}
}

func (p *PostgresIndex) loop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	pending := make([]EventRow, 0, pgBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		batch := &pgx.Batch{}
		for _, r := range pending {
			c := r.Calendar
			batch.Queue(`INSERT INTO simcal_events(instance,name,step,sim_hours,year,month,day,hour,ticks_into_hour,data,at)
				VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				r.Instance, r.Name, int64(r.Step), int64(r.SimHours),
				int64(c.Year), int64(c.Month), int64(c.Day), int64(c.Hour), int64(c.TicksIntoHour),
				string(r.Data), r.At)
		}
		if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
			p.flushFail.Add(1)
			if p.log != nil {
				p.log.Printf("postgres index flush failed batch=%d err=%v", len(pending), err)
			}
		} else {
			p.written.Add(uint64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, r)
			if len(pending) >= pgBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
