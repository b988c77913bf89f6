package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RuntimeFile persists the client-tunable scalar settings (framerate,
// bitrates, plus whitelisted extras) to a JSON document. Writes go through a
// temp file + rename so a crashed write never leaves a torn document, and a
// process-wide mutex serializes writers.
type RuntimeFile struct {
	mu   sync.Mutex
	path string
}

func NewRuntimeFile(path string) *RuntimeFile {
	return &RuntimeFile{path: path}
}

// Read returns the current document, or an empty map when the file does not
// exist yet.
func (f *RuntimeFile) Read() (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *RuntimeFile) readLocked() (map[string]any, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return doc, nil
}

// Set updates one key and rewrites the document atomically.
func (f *RuntimeFile) Set(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readLocked()
	if err != nil {
		// A corrupt file is replaced rather than wedging every update.
		doc = map[string]any{}
	}
	doc[key] = value

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".streamer_config-*")
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
	return os.Rename(tmpName, f.path)
}
