package r2s3

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type MirrorConfig struct {
	// Prefix and Instance form the key namespace: <prefix>/<instance>/<segment file name>.
	Prefix      string
	Instance    string
	Workers     int
	Queue       int
	EnqueueWait time.Duration
	MaxAttempts int
	Logger      *log.Logger
}

// manifest is rewritten after every successful upload so readers can find the newest segment.
type manifest struct {
	Instance      string `json:"instance"`
	LastSegment   string `json:"last_segment"`
	UploadedTotal uint64 `json:"uploaded_total"`
	UpdatedAt     string `json:"updated_at"`
}

// Mirror uploads closed journal segments in the background. Enqueue never blocks longer than EnqueueWait.
type Mirror struct {
	client      *Client
	prefix      string
	instance    string
	logger      *log.Logger
	maxAttempts int
	sleep       func(time.Duration)

	jobs        chan string
	enqueueWait time.Duration
	wg          sync.WaitGroup
	manifestMu  sync.Mutex

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	m := &Mirror{
		client:      client,
		prefix:      strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		instance:    strings.TrimSpace(cfg.Instance),
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		sleep:       time.Sleep,
		jobs:        make(chan string, cfg.Queue),
		enqueueWait: cfg.EnqueueWait,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It matches the journal's segment-closed hook.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("r2 mirror drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d", localPath, m.enqueueWait.Milliseconds(), dropped)
	}
}

// Close waits for queued uploads to finish. Enqueue must not be called afterwards.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.printf("r2 mirror skip local=%s err=%v", localPath, err)
		return
	}

	err = m.retry(func(ctx context.Context) error { return m.client.PutFile(ctx, key, localPath) })
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("r2 mirror upload failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	n := m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.printf("r2 mirror uploaded key=%s local=%s", key, localPath)
	m.writeManifest(filepath.Base(localPath), n)
}

func (m *Mirror) writeManifest(segment string, uploaded uint64) {
	m.manifestMu.Lock()
	defer m.manifestMu.Unlock()

	b, _ := json.Marshal(manifest{
		Instance:      m.instance,
		LastSegment:   segment,
		UploadedTotal: uploaded,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	key := m.key("manifest.json")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.client.PutBytes(ctx, key, b, "application/json"); err != nil {
		m.printf("r2 mirror manifest failed key=%s err=%v", key, err)
	}
}

func (m *Mirror) retry(fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < m.maxAttempts {
			m.sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("path is directory: %s", localPath)
	}
	return m.key(filepath.Base(localPath)), nil
}

func (m *Mirror) key(name string) string {
	parts := make([]string, 0, 3)
	if m.prefix != "" {
		parts = append(parts, m.prefix)
	}
	if m.instance != "" {
		parts = append(parts, m.instance)
	}
	return path.Join(append(parts, name)...)
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
