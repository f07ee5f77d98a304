package philo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/philo/philo/fileutils"
)

// KeySeparator joins the components of a HistoryKey. It is not expected to appear in
// prompt names, philosophy names or action strings.
const KeySeparator = " ||| "

// HistoryKey identifies one logical request in the history cache.
type HistoryKey string

// NewHistoryKey builds the key for a prompt identity plus disambiguating arguments.
func NewHistoryKey(promptName string, version int, args ...string) HistoryKey {
	parts := make([]string, 0, 2+len(args))
	parts = append(parts, promptName, strconv.Itoa(version))
	parts = append(parts, args...)
	return HistoryKey(strings.Join(parts, KeySeparator))
}

// HistoryEntry is one cached prompt/response exchange.
type HistoryEntry struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// HistoryPath returns the history file for a namespace: dir/history<suffix>.json.
func HistoryPath(dir, suffix string) string {
	return filepath.Join(dir, "history"+suffix+".json")
}

// HistoryOptions controls how a history file is opened.
type HistoryOptions struct {
	// FreshStart deletes any existing history file before loading.
	FreshStart bool

	// Backup copies the existing file to <path>.bak before a fresh start deletes it.
	Backup bool

	Logger *zap.Logger
}

// HistoryStore is a content-keyed cache of exchanges persisted as a single JSON object.
// Every mutation rewrites the whole file before returning.
//
// The store serializes access within one process only. Two processes sharing a path
// will lose each other's updates (last writer wins).
type HistoryStore struct {
	mu      sync.Mutex
	path    string
	entries map[HistoryKey]HistoryEntry
	logger  *zap.Logger
}

// OpenHistory loads the history at path, creating an empty one if the file is missing.
func OpenHistory(path string, opts HistoryOptions) (*HistoryStore, error) {
	if path == "" {
		return nil, errors.New("OpenHistory: path is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("history", path))

	if opts.FreshStart {
		if opts.Backup {
			backup, ok, err := fileutils.BackupFile(path, ".bak")
			if err != nil {
				return nil, fmt.Errorf("OpenHistory: backup: %w", err)
			}
			if ok {
				logger.Info("backed up history before fresh start", zap.String("backup", backup))
			}
		}
		removed, err := fileutils.RemoveIfExists(path)
		if err != nil {
			return nil, fmt.Errorf("OpenHistory: fresh start: %w", err)
		}
		if removed {
			logger.Info("history wiped for fresh start")
		}
	}

	s := &HistoryStore{
		path:    path,
		entries: map[HistoryKey]HistoryEntry{},
		logger:  logger,
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("OpenHistory: read file: %w", err)
		}
		if err := s.flush(); err != nil {
			return nil, fmt.Errorf("OpenHistory: create file: %w", err)
		}
		logger.Debug("created empty history")
		return s, nil
	}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &s.entries); err != nil {
			return nil, fmt.Errorf("OpenHistory: unmarshal: %w", err)
		}
		if s.entries == nil {
			s.entries = map[HistoryKey]HistoryEntry{}
		}
	}
	logger.Debug("loaded history", zap.Int("entries", len(s.entries)))
	return s, nil
}

// Path returns the backing file.
func (s *HistoryStore) Path() string { return s.path }

// Get returns the cached entry for key.
func (s *HistoryStore) Get(key HistoryKey) (HistoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Has reports whether key is cached.
func (s *HistoryStore) Has(key HistoryKey) bool {
	_, ok := s.Get(key)
	return ok
}

// Put stores entry under key and rewrites the file.
func (s *HistoryStore) Put(key HistoryKey, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[key]
	s.entries[key] = entry
	if err := s.flush(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return fmt.Errorf("HistoryStore.Put: %w", err)
	}
	return nil
}

// Remove deletes key if present and rewrites the file. It reports whether anything was removed.
func (s *HistoryStore) Remove(key HistoryKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	if err := s.flush(); err != nil {
		s.entries[key] = prev
		return false, fmt.Errorf("HistoryStore.Remove: %w", err)
	}
	return true, nil
}

// Len returns the number of cached entries.
func (s *HistoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns all keys in sorted order.
func (s *HistoryStore) Keys() []HistoryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]HistoryKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// flush must be called with mu held.
func (s *HistoryStore) flush() error {
	return fileutils.WriteJSONFileAtomic(s.path, s.entries, true)
}
