package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherEmitsDebouncedEvent(t *testing.T) {
	dir := t.TempDir()
	routesPath := filepath.Join(dir, "proxy.yaml")
	if err := os.WriteFile(routesPath, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(routesPath, "")
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)

	var mu sync.Mutex
	var events []ChangeEvent
	w.OnChange(func(ev ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Multiple rapid writes should collapse into one event.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(routesPath, []byte("port: 8081\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no change event observed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Allow any trailing debounce timers to fire.
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (debounced)", len(events))
	}
	if events[0].Kind != KindRoutesFile {
		t.Errorf("kind = %q", events[0].Kind)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	routesPath := filepath.Join(dir, "proxy.yaml")
	if err := os.WriteFile(routesPath, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(routesPath, "")
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	fired := make(chan struct{}, 1)
	w.OnChange(func(ChangeEvent) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Error("event fired for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
