package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/pkg/api"
)

// mediaServer serves named blobs and can be told to fail specific refs.
type mediaServer struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failing map[string]bool
	hits    map[string]int
}

func newMediaServer() *mediaServer {
	return &mediaServer{
		blobs:   make(map[string][]byte),
		failing: make(map[string]bool),
		hits:    make(map[string]int),
	}
}

func (m *mediaServer) add(ref string, data []byte) api.MediaItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref] = data
	sum := sha256.Sum256(data)
	return api.MediaItem{Ref: ref, Duration: 10, Checksum: hex.EncodeToString(sum[:])}
}

func (m *mediaServer) setFailing(ref string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[ref] = failing
}

func (m *mediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := filepath.Base(r.URL.Path)
	m.mu.Lock()
	m.hits[ref]++
	data, ok := m.blobs[ref]
	failing := m.failing[ref]
	m.mu.Unlock()

	if failing || !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (m *mediaServer) hitCount(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[ref]
}

func newTestReconciler(t *testing.T, srv *httptest.Server) (*Reconciler, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mediaDir := filepath.Join(dir, "media")
	dl := NewDownloader(mediaDir, func(ref string) string { return srv.URL + "/media/" + ref })
	return NewReconciler(st, dl, 2, nil, nil), st, mediaDir
}

func TestReconcileDownloadsAndActivates(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, st, _ := newTestReconciler(t, srv)

	assignment := &api.ContentAssignment{
		PlaylistVersion: "v1",
		Items: []api.MediaItem{
			ms.add("intro.mp4", []byte("intro video bytes")),
			ms.add("menu.jpg", []byte("menu image bytes")),
		},
	}

	if err := r.Reconcile(context.Background(), assignment); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	active, err := st.ActiveAssignment()
	if err != nil {
		t.Fatalf("ActiveAssignment: %v", err)
	}
	if active.PlaylistVersion != "v1" {
		t.Fatalf("active playlist = %q, want v1", active.PlaylistVersion)
	}

	for _, item := range assignment.Items {
		entry, err := st.MediaEntry(item.Checksum)
		if err != nil {
			t.Fatalf("MediaEntry(%s): %v", item.Ref, err)
		}
		if _, err := os.Stat(entry.Path); err != nil {
			t.Fatalf("media file missing: %v", err)
		}
	}
}

func TestPartialFailureKeepsPreviousAssignment(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, st, _ := newTestReconciler(t, srv)

	v1 := &api.ContentAssignment{
		PlaylistVersion: "v1",
		Items:           []api.MediaItem{ms.add("a.mp4", []byte("aaaa"))},
	}
	if err := r.Reconcile(context.Background(), v1); err != nil {
		t.Fatalf("Reconcile v1: %v", err)
	}

	good := ms.add("b.mp4", []byte("bbbb"))
	broken := ms.add("c.mp4", []byte("cccc"))
	ms.setFailing("c.mp4", true)

	v2 := &api.ContentAssignment{
		PlaylistVersion: "v2",
		Items:           []api.MediaItem{good, broken},
	}
	if err := r.Reconcile(context.Background(), v2); err == nil {
		t.Fatal("Reconcile with a failing item should return an error")
	}

	active, err := st.ActiveAssignment()
	if err != nil {
		t.Fatalf("ActiveAssignment: %v", err)
	}
	if active.PlaylistVersion != "v1" {
		t.Fatalf("active playlist after failed reconcile = %q, want v1", active.PlaylistVersion)
	}

	// The failing item becomes fetchable; a retry completes the swap
	// without re-downloading what already verified.
	ms.setFailing("c.mp4", false)
	bHits := ms.hitCount("b.mp4")

	if err := r.Reconcile(context.Background(), v2); err != nil {
		t.Fatalf("Reconcile retry: %v", err)
	}
	active, err = st.ActiveAssignment()
	if err != nil {
		t.Fatalf("ActiveAssignment after retry: %v", err)
	}
	if active.PlaylistVersion != "v2" {
		t.Fatalf("active playlist after retry = %q, want v2", active.PlaylistVersion)
	}
	if got := ms.hitCount("b.mp4"); got != bHits {
		t.Fatalf("b.mp4 was re-downloaded on retry: hits %d -> %d", bHits, got)
	}
}

func TestChecksumMismatchRejected(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, st, _ := newTestReconciler(t, srv)

	item := ms.add("tampered.mp4", []byte("original"))
	item.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	assignment := &api.ContentAssignment{PlaylistVersion: "v1", Items: []api.MediaItem{item}}
	err := r.Reconcile(context.Background(), assignment)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Reconcile error = %v, want ErrChecksumMismatch", err)
	}

	if _, err := st.ActiveAssignment(); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("assignment with a tampered item must not activate")
	}
}

func TestReconcileSameVersionIsNoop(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, _, _ := newTestReconciler(t, srv)

	item := ms.add("a.mp4", []byte("aaaa"))
	assignment := &api.ContentAssignment{PlaylistVersion: "v1", Items: []api.MediaItem{item}}

	if err := r.Reconcile(context.Background(), assignment); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	hits := ms.hitCount("a.mp4")

	if err := r.Reconcile(context.Background(), assignment); err != nil {
		t.Fatalf("Reconcile repeat: %v", err)
	}
	if got := ms.hitCount("a.mp4"); got != hits {
		t.Fatalf("repeat reconcile fetched media again: hits %d -> %d", hits, got)
	}
}

func TestReconcileSameVersionRestoresVanishedFile(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, st, _ := newTestReconciler(t, srv)

	item := ms.add("a.mp4", []byte("aaaa"))
	assignment := &api.ContentAssignment{PlaylistVersion: "v1", Items: []api.MediaItem{item}}
	if err := r.Reconcile(context.Background(), assignment); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	entry, err := st.MediaEntry(item.Checksum)
	if err != nil {
		t.Fatalf("MediaEntry: %v", err)
	}
	if err := os.Remove(entry.Path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	hits := ms.hitCount("a.mp4")

	// A refresh of the already-active version must repair the cache.
	if err := r.Reconcile(context.Background(), assignment); err != nil {
		t.Fatalf("Reconcile repeat: %v", err)
	}
	if _, err := os.Stat(entry.Path); err != nil {
		t.Fatalf("vanished file not restored: %v", err)
	}
	if got := ms.hitCount("a.mp4"); got != hits+1 {
		t.Fatalf("a.mp4 hits = %d, want %d", got, hits+1)
	}
}

func TestGCRemovesStaleMedia(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, st, _ := newTestReconciler(t, srv)

	old := ms.add("old.mp4", []byte("old content"))
	v1 := &api.ContentAssignment{PlaylistVersion: "v1", Items: []api.MediaItem{old}}
	if err := r.Reconcile(context.Background(), v1); err != nil {
		t.Fatalf("Reconcile v1: %v", err)
	}
	oldEntry, err := st.MediaEntry(old.Checksum)
	if err != nil {
		t.Fatalf("MediaEntry: %v", err)
	}

	v2 := &api.ContentAssignment{
		PlaylistVersion: "v2",
		Items:           []api.MediaItem{ms.add("new.mp4", []byte("new content"))},
	}
	if err := r.Reconcile(context.Background(), v2); err != nil {
		t.Fatalf("Reconcile v2: %v", err)
	}

	if _, err := os.Stat(oldEntry.Path); !os.IsNotExist(err) {
		t.Fatalf("stale media file still present after activation: %v", err)
	}
	if _, err := st.MediaEntry(old.Checksum); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("stale media index entry not removed")
	}
}

func TestRefreshWithoutAssignmentIsNoop(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, _, _ := newTestReconciler(t, srv)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh on fresh device: %v", err)
	}
}

func TestCurrentVersion(t *testing.T) {
	ms := newMediaServer()
	srv := httptest.NewServer(ms)
	defer srv.Close()

	r, _, _ := newTestReconciler(t, srv)
	if got := r.CurrentVersion(); got != "" {
		t.Fatalf("CurrentVersion on fresh device = %q, want empty", got)
	}

	item := ms.add("a.mp4", []byte("aaaa"))
	if err := r.Reconcile(context.Background(), &api.ContentAssignment{PlaylistVersion: "v9", Items: []api.MediaItem{item}}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := r.CurrentVersion(); got != "v9" {
		t.Fatalf("CurrentVersion = %q, want v9", got)
	}
}
