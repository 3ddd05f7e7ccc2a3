package r2s3

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type putRecorder struct {
	mu    sync.Mutex
	paths []string
	auth  []string
	body  map[string]string
	fail  int // number of leading requests answered with 500
}

func (p *putRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Method != http.MethodPut {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if p.fail > 0 {
		p.fail--
		http.Error(rw, "try later", http.StatusInternalServerError)
		return
	}
	b, _ := io.ReadAll(r.Body)
	if p.body == nil {
		p.body = map[string]string{}
	}
	p.paths = append(p.paths, r.URL.Path)
	p.auth = append(p.auth, r.Header.Get("Authorization"))
	p.body[r.URL.Path] = string(b)
	rw.WriteHeader(http.StatusOK)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: url, Bucket: "journal", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without keys")
	}
	c, err := New(Config{Endpoint: "r2.example.com", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.endpoint != "https://r2.example.com" || c.region != "auto" {
		t.Fatalf("endpoint=%s region=%s", c.endpoint, c.region)
	}
}

// Signing key example from the AWS SigV4 documentation.
func TestDeriveSigningKey(t *testing.T) {
	got := hex.EncodeToString(deriveSigningKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam"))
	const want = "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d"
	if got != want {
		t.Fatalf("signing key: got %s want %s", got, want)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b.zst":     "a/b.zst",
		`a\b\c`:        "a/b/c",
		"../../x":      "x",
		"  ":           "",
		"a/./b//c.zst": "a/b/c.zst",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}

func TestClient_PutFileSigned(t *testing.T) {
	rec := &putRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "events-2024-05-01-11.jsonl.zst")
	if err := os.WriteFile(local, []byte("segment"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "sim/inst-1/events-2024-05-01-11.jsonl.zst", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if len(rec.paths) != 1 || rec.paths[0] != "/journal/sim/inst-1/events-2024-05-01-11.jsonl.zst" {
		t.Fatalf("paths: %v", rec.paths)
	}
	auth := rec.auth[0]
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKID/20240501/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization: %s", auth)
	}
	if rec.body[rec.paths[0]] != "segment" {
		t.Fatalf("body: %q", rec.body[rec.paths[0]])
	}
}

func TestClient_PutReportsStatus(t *testing.T) {
	srv := httptest.NewServer(&putRecorder{fail: 1})
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	err := c.PutBytes(context.Background(), "k", []byte("x"), "text/plain")
	if err == nil || !strings.Contains(err.Error(), "status=500") {
		t.Fatalf("PutBytes: %v", err)
	}
}

func TestMirror_UploadsSegmentsAndManifest(t *testing.T) {
	rec := &putRecorder{fail: 1}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	m := NewMirror(newTestClient(t, srv.URL), MirrorConfig{Prefix: "/sim/", Instance: "inst-1"})
	m.sleep = func(time.Duration) {}

	dir := t.TempDir()
	seg := filepath.Join(dir, "events-2024-05-01-10.jsonl.zst")
	_ = os.WriteFile(seg, []byte("one"), 0o644)
	m.Enqueue(seg)
	m.Enqueue(filepath.Join(dir, "missing.jsonl.zst"))
	m.Close()

	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 || st.EnqueuedTotal != 2 {
		t.Fatalf("stats: %+v", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.body["/journal/sim/inst-1/events-2024-05-01-10.jsonl.zst"]; got != "one" {
		t.Fatalf("segment body: %q (paths %v)", got, rec.paths)
	}
	if got := rec.body["/journal/sim/inst-1/manifest.json"]; !strings.Contains(got, `"last_segment":"events-2024-05-01-10.jsonl.zst"`) {
		t.Fatalf("manifest: %q", got)
	}
}

func TestMirror_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(&putRecorder{fail: 100})
	defer srv.Close()

	m := NewMirror(newTestClient(t, srv.URL), MirrorConfig{MaxAttempts: 2})
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	seg := filepath.Join(t.TempDir(), "events-x.jsonl.zst")
	_ = os.WriteFile(seg, []byte("x"), 0o644)
	m.Enqueue(seg)
	m.Close()

	if st := m.Stats(); st.UploadFailTotal != 1 || st.UploadSuccessTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if len(slept) != 1 || slept[0] != 200*time.Millisecond {
		t.Fatalf("backoff: %v", slept)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if st := m.Stats(); st != (Stats{}) {
		t.Fatalf("stats: %+v", st)
	}
}
