package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
)

// Recorder writes one JSON object per measurement event to a .jsonl file:
// timestamp (ISO-8601), com_port, name, measurements (ordered) and raw_line.
// Recording can be toggled at runtime; a fresh timestamped file is opened on
// each enable.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file  *os.File
	w     *bufio.Writer
	path  string
	lines int
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// flushEvery bounds how much data a crash can lose.
const flushEvery = 20

// New creates a Recorder. The output directory is created lazily on first
// record.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/oceandash"
	}
	return &Recorder{dir: cfg.Path, enabled: cfg.Enabled}
}

// SetEnabled toggles recording. Disabling flushes and closes the current file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled reports whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the current output file path, or "" when no file is open.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record appends one event. Failures disable recording rather than stalling
// the event stream.
func (r *Recorder) Record(ev *aanderaa.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if r.w == nil {
		if err := r.openFile(ev.Timestamp); err != nil {
			log.Printf("[recorder] open failed: %v", err)
			r.enabled = false
			return
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[recorder] marshal failed: %v", err)
		return
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		r.enabled = false
		r.closeFile()
		return
	}
	r.lines++
	if r.lines%flushEvery == 0 {
		r.w.Flush()
	}
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) openFile(ts time.Time) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}
	name := fmt.Sprintf("aanderaa_log_%s.jsonl", ts.Format("20060102_150405"))
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	r.file = f
	r.w = bufio.NewWriter(f)
	r.path = path
	r.lines = 0
	log.Printf("[recorder] recording to %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.w != nil {
		r.w.Flush()
		r.w = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}
