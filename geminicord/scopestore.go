package geminicord

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// ScopeKey identifies the unit of configuration/profile isolation: a
// guild, or a DM peer.
type ScopeKey string

// GuildScope returns the scope key for a server.
func GuildScope(guildID string) ScopeKey {
	return ScopeKey(guildID)
}

// DMScope returns the scope key for a direct-message peer.
func DMScope(userID string) ScopeKey {
	return ScopeKey("dm_" + userID)
}

// UserProfile is what the bot knows about one user within a scope.
type UserProfile struct {
	// DisplayName is the last observed display name
	DisplayName string `json:"display_name"`

	// Description is free text set via /known, length-capped
	Description string `json:"description"`

	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
}

// ScopeRecord is the durable per-scope document: model selection, system
// prompt override, and user profiles. Records loaded into memory are
// treated as immutable snapshots for the duration of a request - mutate
// via [ScopeStore.Mutate].
type ScopeRecord struct {
	// Model is the selected Gemini model for this scope
	Model string `json:"model"`

	// SystemPrompt overrides the global default prompt when non-nil
	SystemPrompt *string `json:"system_prompt,omitempty"`

	// Users maps user ID to profile
	Users map[string]UserProfile `json:"users"`
}

// SetDescription sets a user's description, creating the profile if the
// user hasn't been seen in this scope before.
func (r *ScopeRecord) SetDescription(userID, displayName, description string) {
	now := time.Now().UTC()
	profile, ok := r.Users[userID]
	if !ok {
		profile = UserProfile{FirstSeen: now}
	}
	if displayName != "" {
		profile.DisplayName = displayName
	}
	profile.Description = description
	profile.LastUpdated = now
	r.Users[userID] = profile
}

// ClearDescription clears a user's description while keeping the rest
// of the profile (display name, first-seen). It reports whether there
// was a description to clear.
func (r *ScopeRecord) ClearDescription(userID string) bool {
	profile, ok := r.Users[userID]
	if !ok || profile.Description == "" {
		return false
	}
	profile.Description = ""
	profile.LastUpdated = time.Now().UTC()
	r.Users[userID] = profile
	return true
}

// ScopeStore persists one JSON record per scope under a data directory.
// Writes to a scope are serialized by a per-scope mutex; reads return
// independent snapshots and need no lock beyond the load itself.
type ScopeStore struct {
	dir          string
	defaultModel string
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[ScopeKey]*sync.Mutex
}

// NewScopeStore creates the data directory if needed and returns a store.
func NewScopeStore(dir string, defaultModel string, logger *slog.Logger) (*ScopeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating data dir: %w", err)
	}
	return &ScopeStore{
		dir:          dir,
		defaultModel: defaultModel,
		logger:       logger.With(loggerNameKey, "scope_store"),
		locks:        map[ScopeKey]*sync.Mutex{},
	}, nil
}

func (s *ScopeStore) path(key ScopeKey) string {
	return filepath.Join(s.dir, string(key)+".json")
}

func (s *ScopeStore) scopeLock(key ScopeKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[key]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *ScopeStore) defaultRecord() *ScopeRecord {
	return &ScopeRecord{
		Model: s.defaultModel,
		Users: map[string]UserProfile{},
	}
}

// Load returns the record for the given scope, creating a default record
// if none exists on disk. A record that can't be parsed is preserved for
// inspection (renamed with a .corrupt suffix) and replaced by a fresh
// default - corruption never fails the handling path.
func (s *ScopeStore) Load(key ScopeKey) (*ScopeRecord, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.defaultRecord(), nil
		}
		return nil, fmt.Errorf("error reading scope record: %w", err)
	}

	var record ScopeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path(key), time.Now().Unix())
		if renameErr := os.Rename(s.path(key), backup); renameErr != nil {
			s.logger.Error(
				"error preserving corrupt scope record",
				tint.Err(renameErr),
				"scope", key,
			)
		} else {
			s.logger.Warn(
				"corrupt scope record preserved, using defaults",
				tint.Err(err),
				"scope", key,
				"backup", backup,
			)
		}
		return s.defaultRecord(), nil
	}

	if record.Model == "" {
		record.Model = s.defaultModel
	}
	if record.Users == nil {
		record.Users = map[string]UserProfile{}
	}
	return &record, nil
}

// Save persists the record for the given scope. The write is serialized
// against other writes to the same scope, and performed atomically via a
// temp file and rename.
func (s *ScopeStore) Save(key ScopeKey, record *ScopeRecord) error {
	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()
	return s.write(key, record)
}

func (s *ScopeStore) write(key ScopeKey, record *ScopeRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling scope record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, string(key)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing scope record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("error replacing scope record: %w", err)
	}
	return nil
}

// Mutate loads the record for a scope, applies fn, and saves the result,
// all under the scope's write lock. This is the only safe way to perform
// a read-modify-write cycle without interleaving with other writers.
func (s *ScopeStore) Mutate(key ScopeKey, fn func(*ScopeRecord) error) (*ScopeRecord, error) {
	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.write(key, record); err != nil {
		return nil, err
	}
	return record, nil
}

// UpsertProfile records a user's presence in a scope: on first sight it
// creates the profile with both timestamps set to now, afterwards it
// refreshes the display name and last-updated timestamp.
func (s *ScopeStore) UpsertProfile(
	key ScopeKey,
	userID string,
	displayName string,
) (*ScopeRecord, error) {
	now := time.Now().UTC()
	return s.Mutate(
		key, func(record *ScopeRecord) error {
			profile, ok := record.Users[userID]
			if !ok {
				record.Users[userID] = UserProfile{
					DisplayName: displayName,
					FirstSeen:   now,
					LastUpdated: now,
				}
				return nil
			}
			profile.DisplayName = displayName
			profile.LastUpdated = now
			record.Users[userID] = profile
			return nil
		},
	)
}
