package cache

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxAge time.Duration) *Cache {
	t.Helper()
	c, err := New(10, t.TempDir(), maxAge)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute)

	body := []byte{0x00, 0x01, 0xFF, 'a', 'b'} // binary-safe
	hdr := http.Header{"X-Test": {"1"}}
	c.Set("GET", "https://example.com/a.pdf", "ip:1.2.3.4", "1.2.3.4", 200, hdr, body, "application/pdf")

	entry, ok := c.Get("GET", "https://example.com/a.pdf", "ip:1.2.3.4", "1.2.3.4")
	if !ok {
		t.Fatal("miss after Set")
	}
	if !bytes.Equal(entry.Body, body) {
		t.Errorf("body = %v, want %v", entry.Body, body)
	}
	if entry.Status != 200 || entry.ContentType != "application/pdf" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Headers.Get("X-Test") != "1" {
		t.Error("headers lost")
	}
}

func TestQueryDoesNotInfluenceKey(t *testing.T) {
	k1 := Key("GET", "https://example.com/p?x=1", "u", "ip")
	k2 := Key("GET", "https://example.com/p?x=2", "u", "ip")
	k3 := Key("GET", "https://example.com/p", "u", "ip")
	if k1 != k2 || k1 != k3 {
		t.Errorf("query influenced key: %s %s %s", k1, k2, k3)
	}

	if Key("GET", "https://example.com/p", "u", "ip") == Key("GET", "https://example.com/q", "u", "ip") {
		t.Error("distinct paths collided")
	}
	if Key("GET", "https://example.com/p", "u1", "ip") == Key("GET", "https://example.com/p", "u2", "ip") {
		t.Error("distinct users collided")
	}
	if Key("GET", "https://example.com/p", "u", "ip") == Key("POST", "https://example.com/p", "u", "ip") {
		t.Error("distinct methods collided")
	}
}

func TestExpiryRemovesDiskFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(10, dir, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	entry := c.Set("GET", "https://example.com/x", "", "", 200, nil, []byte("v"), "text/plain")
	path := filepath.Join(dir, entry.Key+".json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("disk file not written: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("GET", "https://example.com/x", "", ""); ok {
		t.Fatal("expired entry returned")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("disk file not removed on expired access: %v", err)
	}
}

func TestDiskPromotionToMRU(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(10, dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c1.Set("GET", "https://example.com/x", "", "", 200, nil, []byte("v"), "text/plain")

	// A fresh cache over the same directory has a cold MRU.
	c2, err := New(10, dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := c2.Get("GET", "https://example.com/x", "", "")
	if !ok || string(entry.Body) != "v" {
		t.Fatal("disk tier miss")
	}
	if _, _, size := c2.Stats(); size != 1 {
		t.Errorf("entry not promoted to MRU, size = %d", size)
	}
}

func TestCorruptFileTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(10, dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	key := Key("GET", "https://example.com/x", "", "")
	if err := os.WriteFile(filepath.Join(dir, key+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("GET", "https://example.com/x", "", ""); ok {
		t.Fatal("corrupt entry returned")
	}
	if _, err := os.Stat(filepath.Join(dir, key+".json")); !os.IsNotExist(err) {
		t.Error("corrupt file not deleted")
	}
}

func TestCleanupSweepsBothTiers(t *testing.T) {
	dir := t.TempDir()
	c, err := New(10, dir, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	entry := c.Set("GET", "https://example.com/x", "", "", 200, nil, []byte("v"), "text/plain")
	time.Sleep(20 * time.Millisecond)

	c.Cleanup()

	if _, _, size := c.Stats(); size != 0 {
		t.Errorf("MRU size after cleanup = %d", size)
	}
	if _, err := os.Stat(filepath.Join(dir, entry.Key+".json")); !os.IsNotExist(err) {
		t.Error("disk file survived cleanup")
	}
}

func TestMRUEviction(t *testing.T) {
	c, err := New(2, t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("GET", "https://e.com/1", "", "", 200, nil, []byte("1"), "")
	c.Set("GET", "https://e.com/2", "", "", 200, nil, []byte("2"), "")
	c.Set("GET", "https://e.com/3", "", "", 200, nil, []byte("3"), "")

	if _, _, size := c.Stats(); size != 2 {
		t.Errorf("MRU size = %d, want 2", size)
	}
	// Evicted from MRU but still present on disk.
	if _, ok := c.Get("GET", "https://e.com/1", "", ""); !ok {
		t.Error("evicted entry not recovered from disk")
	}
}

func TestPerEntryTTLOverridesDefault(t *testing.T) {
	c := newTestCache(t, time.Hour)

	short := c.SetWithTTL("GET", "https://example.com/short", "u", "ip", 200, nil, []byte("s"), "text/plain", 2*time.Second)
	long := c.Set("GET", "https://example.com/long", "u", "ip", 200, nil, []byte("l"), "text/plain")

	// Age both entries past the short TTL but nowhere near the default.
	short.Timestamp = time.Now().Add(-5 * time.Second)
	long.Timestamp = time.Now().Add(-5 * time.Second)
	c.disk.write(short)
	c.disk.write(long)

	if _, ok := c.Get("GET", "https://example.com/short", "u", "ip"); ok {
		t.Error("entry past its own ttl must miss")
	}
	if _, ok := c.Get("GET", "https://example.com/long", "u", "ip"); !ok {
		t.Error("default-ttl entry must still hit")
	}
}
