package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"simcal.ai/internal/persistence/r2s3"
)

// openJournalMirror builds the segment uploader from SC_R2_*. It returns (nil, nil) when SC_R2_BUCKET is unset.
func openJournalMirror(instance string, logger *log.Logger) (*r2s3.Mirror, error) {
	bucket := strings.TrimSpace(os.Getenv("SC_R2_BUCKET"))
	if bucket == "" {
		return nil, nil
	}
	client, err := r2s3.New(r2s3.Config{
		Endpoint:        os.Getenv("SC_R2_ENDPOINT"),
		Bucket:          bucket,
		Region:          os.Getenv("SC_R2_REGION"),
		AccessKeyID:     os.Getenv("SC_R2_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("SC_R2_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("r2 client: %w", err)
	}
	prefix := strings.TrimSpace(os.Getenv("SC_R2_PREFIX"))
	if prefix == "" {
		prefix = "simcal/journal"
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		Prefix:      prefix,
		Instance:    instance,
		Workers:     envInt("SC_R2_WORKERS", 1),
		Queue:       envInt("SC_R2_QUEUE", 256),
		EnqueueWait: time.Duration(envInt("SC_R2_ENQUEUE_WAIT_MS", 25)) * time.Millisecond,
		Logger:      logger,
	}), nil
}
