package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// BaselineStore persists per-sensor air-pressure baselines (absolute kPa read
// with the sensor in air) across runs. Keys are stable sensor identities of
// the form "<product>_SN_<serial>" (port name as a fallback), so a baseline
// follows the instrument when it moves to a different port. The engine only
// reads baselines; storing one is an operator-confirmed action.
type BaselineStore struct {
	mu   sync.Mutex
	path string
	byID map[string]float64
}

type stateFile struct {
	PressureAirKPaBySensor map[string]float64 `json:"pressure_air_kpa_by_sensor"`
}

// OpenBaselineStore loads the state file at path, tolerating a missing or
// corrupt file (both yield an empty store). Non-finite or non-positive stored
// values are dropped on load.
func OpenBaselineStore(path string) *BaselineStore {
	s := &BaselineStore{path: path, byID: make(map[string]float64)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[baseline] read %s: %v", path, err)
		}
		return s
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		// Don't brick startup on a corrupted state file.
		log.Printf("[baseline] ignoring corrupt state %s: %v", path, err)
		return s
	}
	for id, kpa := range st.PressureAirKPaBySensor {
		if finite(kpa) && kpa > 0 {
			s.byID[id] = kpa
		}
	}
	if len(s.byID) > 0 {
		log.Printf("[baseline] loaded %d baseline(s) from %s", len(s.byID), path)
	}
	return s
}

// Get returns the stored baseline for a sensor identity.
func (s *BaselineStore) Get(id string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kpa, ok := s.byID[id]
	return kpa, ok
}

// Set stores a baseline and persists the state file.
func (s *BaselineStore) Set(id string, kpa float64) error {
	if !finite(kpa) || kpa <= 0 {
		return fmt.Errorf("baseline: invalid pressure %v kPa for %s", kpa, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = kpa
	return s.save()
}

// Clear removes all stored baselines and persists the empty state.
func (s *BaselineStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]float64)
	return s.save()
}

// Len reports how many baselines are stored.
func (s *BaselineStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// All returns a copy of the stored baselines.
func (s *BaselineStore) All() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.byID))
	for id, kpa := range s.byID {
		out[id] = kpa
	}
	return out
}

// save writes the state file atomically (write to a temp file, then rename)
// so a crash mid-write never leaves a torn file to be observed at next load.
// Callers hold s.mu.
func (s *BaselineStore) save() error {
	payload, err := json.MarshalIndent(stateFile{PressureAirKPaBySensor: s.byID}, "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: marshal state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("baseline: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("baseline: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("baseline: rename %s: %w", s.path, err)
	}
	return nil
}
