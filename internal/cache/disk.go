package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// diskStore keeps one JSON file per key under a flat directory. Writes go
// through a temp file + rename so readers never observe a torn file; a
// reader that still hits a decode error retries once before treating the
// entry as corrupt.
type diskStore struct {
	dir string
}

func newDiskStore(dir string) (*diskStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "edgeproxy-cache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &diskStore{dir: dir}, nil
}

func (d *diskStore) path(key string) string {
	return filepath.Join(d.dir, key+".json")
}

// read returns (nil, nil) when the entry is absent.
func (d *diskStore) read(key string) (*Entry, error) {
	entry, err := d.readOnce(key)
	if err == nil || os.IsNotExist(err) {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return entry, nil
	}

	// One retry covers a writer racing the reader.
	entry, err = d.readOnce(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (d *diskStore) readOnce(key string) (*Entry, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding cache file: %w", err)
	}
	return &entry, nil
}

func (d *diskStore) write(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, d.path(entry.Key))
}

func (d *diskStore) remove(key string) {
	os.Remove(d.path(key))
}

// sweep removes expired and undecodable files.
func (d *diskStore) sweep(now time.Time, maxAge time.Duration) {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		entry, err := d.readOnce(key)
		if err != nil || entry.expired(now, maxAge) {
			os.Remove(filepath.Join(d.dir, name))
		}
	}
}
