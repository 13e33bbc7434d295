package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/logging"
)

// logFilePath resolves the log file: explicit config wins, then
// <logsDir>/processes/<id>.log.
func logFilePath(cfg config.ProcessConfig, logsDir string) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	if logsDir == "" {
		logsDir = "logs"
	}
	return filepath.Join(logsDir, "processes", cfg.ID+".log")
}

// logWriter serializes tagged, timestamped lines into the process log.
type logWriter struct {
	mu   sync.Mutex
	file *os.File
}

func newLogWriter(path string) (*logWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &logWriter{file: f}, nil
}

func (w *logWriter) writeLine(tag, line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.file, "%s [%s] %s\n", time.Now().Format(time.RFC3339), tag, line)
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// pump copies one stdio pipe into the log, line by line, until the pipe
// closes.
func (w *logWriter) pump(tag string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.writeLine(tag, scanner.Text())
	}
}

// Tail returns the last n lines of a process log.
func Tail(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Watcher streams lines appended to a log file to subscribers. One
// watcher per process; stopped on detach.
type Watcher struct {
	path   string
	fsw    *fsnotify.Watcher
	offset int64

	mu   sync.Mutex
	subs []chan string
	done chan struct{}
}

// NewWatcher starts tailing from the current end of file.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	offset := int64(0)
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	w := &Watcher{path: path, fsw: fsw, offset: offset, done: make(chan struct{})}
	go w.run()
	return w, nil
}

// Subscribe returns a channel of appended lines. Slow subscribers drop
// lines rather than block the tailer.
func (w *Watcher) Subscribe() <-chan string {
	ch := make(chan string, 64)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Stop tears down the watcher and closes subscriber channels.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func (w *Watcher) run() {
	defer func() {
		w.mu.Lock()
		for _, ch := range w.subs {
			close(ch)
		}
		w.subs = nil
		w.mu.Unlock()
	}()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path || !event.Has(fsnotify.Write) {
				continue
			}
			w.drain()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("log watcher error", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// drain reads from the last offset to EOF and fans lines out.
func (w *Watcher) drain() {
	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < w.offset {
		w.offset = 0 // truncated or rotated
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return
	}
	// Publish only complete lines; a partial trailing line stays in the
	// file for the next event.
	complete := strings.LastIndexByte(string(data), '\n') + 1
	if complete == 0 {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(data[:complete]), "\n"), "\n") {
		w.publish(line)
	}
	w.offset += int64(complete)
}

func (w *Watcher) publish(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- line:
		default:
		}
	}
}
