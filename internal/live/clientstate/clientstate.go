// SPDX-License-Identifier: MIT

// Package clientstate persists the active-workout record a client needs to
// offer reconnect after an app kill. The record lives in a single JSON file
// written atomically; it is deleted when the workout completes.
package clientstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/fitsync/liveworkout/internal/live/model"
)

// Record is the persisted active-workout snapshot.
type Record struct {
	Exercises          []model.RoutineExercise `json:"exercises,omitempty"`
	StartTimestamp     time.Time               `json:"startTimestamp"`
	RestDuration       int                     `json:"restDuration"`
	StartedFromRoutine bool                    `json:"startedFromRoutine"`
	LiveSessionID      string                  `json:"liveSessionId,omitempty"`
}

// Store reads and writes the record at a fixed path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore binds a store to the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted record, or nil when no workout is active.
func (s *Store) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save writes the record atomically. A crash mid-write leaves the previous
// record intact.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

func (s *Store) saveLocked(rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("clientstate: encode: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("clientstate: write %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the record. Clearing an absent record is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clientstate: remove %s: %w", s.path, err)
	}
	return nil
}

// AttachLiveSession stamps the live session id onto the current record,
// creating a minimal record if none exists yet.
func (s *Store) AttachLiveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{StartTimestamp: time.Now().UTC()}
	}
	rec.LiveSessionID = id
	return s.saveLocked(rec)
}

// DetachLiveSession drops the live session id but keeps the workout record.
func (s *Store) DetachLiveSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil || rec == nil {
		return err
	}
	rec.LiveSessionID = ""
	return s.saveLocked(rec)
}

func (s *Store) loadLocked() (*Record, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clientstate: read %s: %w", s.path, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("clientstate: decode %s: %w", s.path, err)
	}
	return &rec, nil
}
