package repo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meridianpay/corewatch"
)

// FileEventRepository is an append-only, NDJSON-backed EventRepository: one
// JSON object per line, fsynced on every write. It is the durable fallback
// when no external event store is configured — every Event this core ever
// creates lands here even if the delivery collaborator that reads them is
// temporarily down.
type FileEventRepository struct {
	filePath string
	mu       sync.Mutex
}

// NewFileEventRepository prepares an NDJSON event log at filePath,
// creating its parent directory with restrictive permissions. The file
// itself is not opened here; the first Create creates it.
func NewFileEventRepository(filePath string) (*FileEventRepository, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("corewatch/repo: failed to create event log directory: %w", err)
	}
	return &FileEventRepository{filePath: filePath}, nil
}

// Create appends event as one NDJSON line and fsyncs before returning, so a
// crash immediately after Create returning nil still has the event on disk.
func (r *FileEventRepository) Create(_ context.Context, event *corewatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("corewatch/repo: failed to open event log: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("corewatch/repo: failed to marshal event: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("corewatch/repo: failed to write event: %w", err)
	}
	return file.Sync()
}

// ReadAll reads every event recorded so far, oldest first, skipping any
// line that does not decode as an event, wherever it appears (such as a
// trailing line left by a write interrupted mid-flush).
func (r *FileEventRepository) ReadAll() ([]*corewatch.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.Open(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("corewatch/repo: failed to read event log: %w", err)
	}
	defer file.Close()

	var events []*corewatch.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event corewatch.Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, scanner.Err()
}
