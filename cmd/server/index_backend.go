package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"simcal.ai/internal/persistence/indexdb"
	"simcal.ai/internal/sim/runner"
	"simcal.ai/internal/sim/tuning"
	"simcal.ai/internal/transport/admin"
)

type runtimeIndex interface {
	runner.Broadcaster
	Close() error
	RecordTuning(t tuning.Tuning) error
	Stats() indexdb.Stats
}

// openRuntimeIndex picks the index backend from SC_INDEX_BACKEND. It returns (nil, nil) when indexing is off.
func openRuntimeIndex(ctx context.Context, dataDir, instance string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SC_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "events.sqlite")
		return indexdb.OpenSQLite(dbPath, instance, logger)
	case "postgres", "pg":
		url := strings.TrimSpace(os.Getenv("SC_INDEX_PG_URL"))
		if url == "" {
			return nil, fmt.Errorf("SC_INDEX_BACKEND=postgres but SC_INDEX_PG_URL is empty")
		}
		ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return indexdb.OpenPostgres(ctx2, url, instance, logger)
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("SC_INDEX_D1_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("SC_INDEX_D1_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("SC_INDEX_BACKEND=d1 but SC_INDEX_D1_INGEST_URL is empty")
		}
		flushMS := envInt("SC_INDEX_D1_FLUSH_MS", 500)
		batchSize := envInt("SC_INDEX_D1_BATCH_SIZE", 128)
		return indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         token,
			Instance:      instance,
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported SC_INDEX_BACKEND: %s", backend)
	}
}

// queryableIndex returns idx as an admin event source when the backend supports reads.
func queryableIndex(idx runtimeIndex) admin.EventSource {
	if idx == nil {
		return nil
	}
	if q, ok := idx.(admin.EventSource); ok {
		return q
	}
	return nil
}
