package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stoppedFile is the persisted user-stop set:
// {"stoppedProcesses": [...], "timestamp": ...}.
type stoppedFile struct {
	StoppedProcesses []string  `json:"stoppedProcesses"`
	Timestamp        time.Time `json:"timestamp"`
}

// stoppedSet tracks ids stopped by an explicit user action. Membership
// survives supervisor restarts via a JSON file under the data dir.
type stoppedSet struct {
	mu   sync.Mutex
	path string
	ids  map[string]bool
}

func newStoppedSet(dataDir string) *stoppedSet {
	return &stoppedSet{
		path: filepath.Join(dataDir, "stopped-processes.json"),
		ids:  make(map[string]bool),
	}
}

// load reads the persisted set; a missing or corrupt file yields the
// empty set.
func (s *stoppedSet) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var file stoppedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range file.StoppedProcesses {
		s.ids[id] = true
	}
}

func (s *stoppedSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *stoppedSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
	s.persist()
}

func (s *stoppedSet) remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
	s.persist()
}

func (s *stoppedSet) persist() {
	s.mu.Lock()
	file := stoppedFile{
		StoppedProcesses: make([]string, 0, len(s.ids)),
		Timestamp:        time.Now(),
	}
	for id := range s.ids {
		file.StoppedProcesses = append(file.StoppedProcesses, id)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return
	}
	os.MkdirAll(filepath.Dir(s.path), 0o755)
	os.WriteFile(s.path, data, 0o644)
}
