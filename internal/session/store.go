// ABOUTME: Durable thread-to-record session store backed by a single JSON file.
// ABOUTME: Every mutation flushes synchronously so disk never lags memory.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore maps conversation-thread IDs to session Records and
// persists the whole map to one human-inspectable JSON file. Mutating
// calls flush before returning; a flush failure is logged but does not
// roll back the in-memory state (the live session wins over strict
// durability).
//
// Records cross the store boundary by value: Get and Entries return
// clones, Put stores a clone. Callers mutate their own copy freely and
// persist through Put or the narrow update methods; nothing outside
// the store's mutex ever touches a record a flush may be serializing.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// NewFileStore creates a store backed by the given file path. Call
// Load before first use to pick up state from a previous run.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:    path,
		logger:  logger.With("component", "session-store"),
		records: make(map[string]*Record),
	}
}

// Load reads the backing file and returns the number of records
// recovered. A missing, unreadable, or corrupt file starts the store
// empty with a warning; individual entries that fail to parse are
// skipped so the rest still load. Load never fails: the relay must
// always be able to start.
func (s *FileStore) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("session store file not found, starting empty", "path", s.path)
		} else {
			s.logger.Warn("session store unreadable, starting empty", "path", s.path, "error", err)
		}
		return 0
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("session store corrupt, starting empty", "path", s.path, "error", err)
		return 0
	}

	loaded := 0
	for threadID, entry := range raw {
		var rec Record
		if err := json.Unmarshal(entry, &rec); err != nil {
			s.logger.Warn("skipping invalid session record", "thread_id", threadID, "error", err)
			continue
		}
		s.records[threadID] = &rec
		loaded++
	}

	s.logger.Info("restored session mappings", "count", loaded)
	return loaded
}

// Get returns a copy of the record for a thread, or false if none
// exists. The copy is the caller's to mutate.
func (s *FileStore) Get(threadID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Put creates or replaces a thread's record and flushes to disk. The
// store keeps its own copy, so later caller-side mutations are not
// picked up without another Put.
func (s *FileStore) Put(threadID string, rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[threadID] = rec.Clone()
	s.flushLocked()
}

// Remove deletes a thread's record and flushes. Returns the removed
// record, or false if the thread was not mapped.
func (s *FileStore) Remove(threadID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil, false
	}
	delete(s.records, threadID)
	s.flushLocked()
	return rec, true
}

// Clear drops every record and flushes.
func (s *FileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.flushLocked()
}

// UpdateSessionID replaces the ephemeral session id on an existing
// record after a reconnection, leaving every other field untouched.
// Unknown threads are a no-op.
func (s *FileStore) UpdateSessionID(threadID, newSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return
	}
	rec.SessionID = newSessionID
	s.flushLocked()
}

// UpdateResumeKey replaces the backend-issued resume key on an
// existing record after a completed turn, leaving every other field
// untouched. Unknown threads are a no-op.
func (s *FileStore) UpdateResumeKey(threadID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return
	}
	rec.ResumeKey = key
	s.flushLocked()
}

// Len returns the number of mapped threads.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Entry pairs a thread id with its record, for administrative listing.
type Entry struct {
	ThreadID string
	Record   *Record
}

// Entries returns a snapshot of all records ordered by creation time.
func (s *FileStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.records))
	for threadID, rec := range s.records {
		entries = append(entries, Entry{ThreadID: threadID, Record: rec.Clone()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Record.CreatedAt.Before(entries[j].Record.CreatedAt)
	})
	return entries
}

// flushLocked writes the full map to the backing file. Callers hold mu.
func (s *FileStore) flushLocked() {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode session store", "error", err)
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.logger.Error("failed to create session store directory", "path", dir, "error", err)
			return
		}
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		s.logger.Error("failed to write session store", "path", s.path, "error", fmt.Errorf("flushing store: %w", err))
	}
}
