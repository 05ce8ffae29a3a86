package config

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
)

// Marshal serializes a snapshot for the round-trip property: parsing a
// declaration file, serializing the snapshot, and reparsing must yield
// an equal snapshot.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal is Marshal's inverse.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	return s, err
}

// SaveCache atomically writes the snapshot to path so a restart that
// skips a full reparse (or a crash mid-reload) can recover the last-known
// good configuration. Written with renameio so a concurrent reader never
// observes a partially written file.
func (s Snapshot) SaveCache(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// LoadCache reads back a snapshot written by SaveCache.
func LoadCache(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Unmarshal(data)
}
