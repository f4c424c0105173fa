package sessions

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session key is not tracked.
var ErrNotFound = errors.New("session not found")

// Session tracks one routed conversation and the thread it is bound to on
// the assistant side.
type Session struct {
	Key          string    `json:"key"` // agent:{agentId}:{platform}:{accountId}:{peerKind}:{peerId}
	AgentID      string    `json:"agentId"`
	Platform     string    `json:"platform"`
	ChannelID    string    `json:"channelId"`
	ThreadID     string    `json:"threadId,omitempty"` // assistant thread; empty until created or linked
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// Manager handles session lifecycle, persistence, and lookup.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
	now      func() time.Time
	newID    func() string
}

// NewManager creates a manager. A non-empty storage directory persists each
// session as one JSON file and reloads them on start.
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// Touch records one routed message for key. A session seen for the first
// time gets a fresh thread id when autoCreate is set. The returned copy is
// safe to keep; created reports whether the thread id was minted here.
func (m *Manager) Touch(key SessionKey, channelID string, autoCreate bool) (s Session, created bool) {
	k := key.String()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[k]
	if !ok {
		cur = &Session{
			Key:       k,
			AgentID:   key.AgentID,
			Platform:  key.Platform,
			ChannelID: channelID,
			Created:   now,
		}
		m.sessions[k] = cur
	}
	if cur.ThreadID == "" && autoCreate {
		cur.ThreadID = m.newID()
		created = true
	}
	cur.MessageCount++
	cur.Updated = now
	return *cur, created
}

// LinkThread binds key to an existing assistant thread, replacing any
// previous binding.
func (m *Manager) LinkThread(key SessionKey, channelID, threadID string) Session {
	k := key.String()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[k]
	if !ok {
		s = &Session{
			Key:       k,
			AgentID:   key.AgentID,
			Platform:  key.Platform,
			ChannelID: channelID,
			Created:   now,
		}
		m.sessions[k] = s
	}
	s.ThreadID = threadID
	s.Updated = now
	return *s
}

// FindThread returns the thread bound to key.
func (m *Manager) FindThread(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok || s.ThreadID == "" {
		return "", false
	}
	return s.ThreadID, true
}

// Get returns a copy of the session for key.
func (m *Manager) Get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ThreadCount counts sessions bound to a thread, optionally on one platform.
func (m *Manager) ThreadCount(platform string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.ThreadID == "" {
			continue
		}
		if platform != "" && s.Platform != platform {
			continue
		}
		n++
	}
	return n
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete removes a session entirely.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return m.removeFile(key)
}

// Prune drops sessions idle since before cutoff and returns how many went.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	var stale []string
	for key, s := range m.sessions {
		if s.Updated.Before(cutoff) {
			stale = append(stale, key)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		m.removeFile(key)
	}
	return len(stale)
}

// ListFilter narrows List.
type ListFilter struct {
	AgentID  string
	Platform string
}

// List returns sessions matching f, most recently updated first.
func (m *Manager) List(f ListFilter) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if f.AgentID != "" {
		prefix = "agent:" + f.AgentID + ":"
	}

	result := []Session{}
	for key, s := range m.sessions {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if f.Platform != "" && s.Platform != f.Platform {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Updated.Equal(result[j].Updated) {
			return result[i].Key < result[j].Key
		}
		return result[i].Updated.After(result[j].Updated)
	})
	return result
}

// Save persists a session to disk atomically.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename+".json")

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) removeFile(key string) error {
	if m.storage == "" {
		return nil
	}
	path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.Key == "" {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
