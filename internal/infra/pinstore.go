package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

const pinFileName = "pin.json"

// FilePinStore implements domain.PinStore on a JSON file with 0600
// permissions, written atomically (temp file + rename).
type FilePinStore struct {
	path string
}

// NewFilePinStore creates a PIN store inside the data directory.
func NewFilePinStore(dataDir string) *FilePinStore {
	return &FilePinStore{path: filepath.Join(dataDir, pinFileName)}
}

// Load reads the current record, nil if no PIN is configured.
func (s *FilePinStore) Load() (*domain.PinRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var rec domain.PinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt pin record: %w", err)
	}
	return &rec, nil
}

// Save rewrites the record atomically.
func (s *FilePinStore) Save(rec *domain.PinRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Exists checks if a PIN has been configured.
func (s *FilePinStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Ensure FilePinStore implements domain.PinStore.
var _ domain.PinStore = (*FilePinStore)(nil)
