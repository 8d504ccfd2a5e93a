package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"swarm/pkg/logging"
)

// Store provides one-record-per-file JSON persistence under a single state
// directory. Each entity type gets its own subdirectory (instances, health,
// migrations) and each record is written to <stateDir>/<entityType>/<name>.json.
//
// Writes are committed with create-temp-then-rename in the same directory so
// a crash never leaves a half-written record behind.
type Store struct {
	mu       sync.RWMutex
	stateDir string
}

// NewStore creates a Store rooted at stateDir.
func NewStore(stateDir string) *Store {
	if stateDir == "" {
		panic("Logic error: empty storage stateDir")
	}

	return &Store{
		stateDir: stateDir,
	}
}

// Dir returns the directory backing an entity type.
func (s *Store) Dir(entityType string) string {
	return filepath.Join(s.stateDir, entityType)
}

// Save stores data for the given entity type and name.
// entityType: subdirectory name (instances, health, migrations)
// name: filename without extension
// data: file content to write
func (s *Store) Save(entityType string, name string, data []byte) error {
	if entityType == "" {
		return fmt.Errorf("entityType cannot be empty")
	}
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	targetDir := filepath.Join(s.stateDir, entityType)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", targetDir, err)
	}

	filename := s.sanitizeFilename(name) + ".json"
	filePath := filepath.Join(targetDir, filename)

	// Write to a temp file in the same directory, then rename over the
	// target. Rename within one directory is atomic on POSIX filesystems.
	tmp, err := os.CreateTemp(targetDir, "."+filename+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", targetDir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit file %s: %w", filePath, err)
	}

	logging.Debug("Storage", "Saved %s/%s to %s", entityType, name, filePath)
	return nil
}

// SaveJSON marshals v as pretty-printed JSON (2-space indent) and commits it.
func (s *Store) SaveJSON(entityType string, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", entityType, name, err)
	}
	return s.Save(entityType, name, data)
}

// Load retrieves data for the given entity type and name.
// Returns the file content, or an error if not found.
func (s *Store) Load(entityType string, name string) ([]byte, error) {
	if entityType == "" {
		return nil, fmt.Errorf("entityType cannot be empty")
	}
	if name == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := filepath.Join(s.stateDir, entityType, s.sanitizeFilename(name)+".json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("entity %s/%s not found", entityType, name)
		}
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	return data, nil
}

// LoadJSON reads a record and unmarshals it into out.
func (s *Store) LoadJSON(entityType string, name string, out interface{}) error {
	data, err := s.Load(entityType, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s/%s: %w", entityType, name, err)
	}
	return nil
}

// Delete removes the file for the given entity type and name. Returns true
// when a file was removed, false when it was already absent.
func (s *Store) Delete(entityType string, name string) (bool, error) {
	if entityType == "" {
		return false, fmt.Errorf("entityType cannot be empty")
	}
	if name == "" {
		return false, fmt.Errorf("name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := filepath.Join(s.stateDir, entityType, s.sanitizeFilename(name)+".json")
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}

	logging.Debug("Storage", "Deleted %s/%s", entityType, name)
	return true, nil
}

// List returns the names (without extension) of all records of an entity
// type. Files that are not .json are ignored; a missing directory is an
// empty listing, not an error.
func (s *Store) List(entityType string) ([]string, error) {
	if entityType == "" {
		return nil, fmt.Errorf("entityType cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	targetDir := filepath.Join(s.stateDir, entityType)
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", targetDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// sanitizeFilename keeps record names safe to use as file names.
func (s *Store) sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
	)
	return replacer.Replace(name)
}
