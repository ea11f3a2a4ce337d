package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// APIKeyEntry is one gateway API key.
type APIKeyEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	Enabled   bool   `json:"enabled"`
}

// MaskedKey is an APIKeyEntry safe for listing: the key itself is truncated.
type MaskedKey struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	KeyPreview string `json:"key_preview"`
	CreatedAt  string `json:"created_at"`
	Enabled    bool   `json:"enabled"`
}

type apiKeySnapshot struct {
	Keys []APIKeyEntry `json:"keys"`
}

// APIKeyManager manages gateway API keys with JSON persistence. The key
// configured via environment is always accepted in addition to stored keys.
type APIKeyManager struct {
	mu     sync.RWMutex
	path   string
	envKey string
	keys   map[string]APIKeyEntry
	order  []string
}

// NewAPIKeyManager loads keys from path, seeding from envKey when the store
// file does not exist yet.
func NewAPIKeyManager(path, envKey string) *APIKeyManager {
	m := &APIKeyManager{
		path:   path,
		envKey: envKey,
		keys:   make(map[string]APIKeyEntry),
	}
	if !m.load() && envKey != "" {
		entry := APIKeyEntry{
			ID:        shortID(),
			Name:      "Default (from env)",
			Key:       envKey,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Enabled:   true,
		}
		m.keys[entry.ID] = entry
		m.order = append(m.order, entry.ID)
		log.Info("api keys: seeded key manager from environment")
		m.save()
	}
	return m
}

func (m *APIKeyManager) load() bool {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("api keys: load %s failed: %v", m.path, err)
		}
		return false
	}
	var snap apiKeySnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		log.Errorf("api keys: parse %s failed: %v", m.path, err)
		return false
	}
	keys := make(map[string]APIKeyEntry, len(snap.Keys))
	order := make([]string, 0, len(snap.Keys))
	for _, entry := range snap.Keys {
		if entry.ID == "" || entry.Key == "" {
			continue
		}
		keys[entry.ID] = entry
		order = append(order, entry.ID)
	}
	m.keys = keys
	m.order = order
	log.Infof("api keys: loaded %d key(s) from %s", len(keys), m.path)
	return true
}

// save persists keys to disk. Caller must hold m.mu.
func (m *APIKeyManager) save() {
	snap := apiKeySnapshot{Keys: make([]APIKeyEntry, 0, len(m.order))}
	for _, id := range m.order {
		if entry, ok := m.keys[id]; ok {
			snap.Keys = append(snap.Keys, entry)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err = os.WriteFile(m.path, data, 0o600); err != nil {
		log.Errorf("api keys: save %s failed: %v", m.path, err)
	}
}

// Verify reports whether bearer matches the environment key or any enabled
// stored key.
func (m *APIKeyManager) Verify(bearer string) bool {
	if bearer == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.envKey != "" && bearer == m.envKey {
		return true
	}
	for _, entry := range m.keys {
		if entry.Enabled && entry.Key == bearer {
			return true
		}
	}
	return false
}

// Create allocates a new sk- prefixed key. The full key is returned only here.
func (m *APIKeyManager) Create(name string) APIKeyEntry {
	entry := APIKeyEntry{
		ID:        shortID(),
		Name:      name,
		Key:       "sk-" + randomHex(24),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Enabled:   true,
	}
	m.mu.Lock()
	m.keys[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	m.save()
	m.mu.Unlock()

	log.Infof("api keys: created id=%s name=%s", entry.ID, entry.Name)
	return entry
}

// Update changes a key's name and/or enabled flag. Nil fields are left as-is.
func (m *APIKeyManager) Update(id string, name *string, enabled *bool) (MaskedKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.keys[id]
	if !ok {
		return MaskedKey{}, false
	}
	if name != nil {
		entry.Name = *name
	}
	if enabled != nil {
		entry.Enabled = *enabled
	}
	m.keys[id] = entry
	m.save()
	return maskEntry(entry), true
}

// Delete removes a key and reports whether it existed.
func (m *APIKeyManager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[id]; !ok {
		return false
	}
	delete(m.keys, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.save()
	log.Infof("api keys: deleted id=%s", id)
	return true
}

// List returns all keys with the key field masked.
func (m *APIKeyManager) List() []MaskedKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MaskedKey, 0, len(m.order))
	for _, id := range m.order {
		if entry, ok := m.keys[id]; ok {
			out = append(out, maskEntry(entry))
		}
	}
	return out
}

// Watch reloads the key store when the backing file changes on disk, so keys
// edited out-of-band take effect without a restart. Blocks until ctx is done.
func (m *APIKeyManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err = watcher.Add(m.path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.mu.Lock()
			m.load()
			m.mu.Unlock()
			log.Debugf("api keys: reloaded after change to %s", m.path)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("api keys: watcher error: %v", watchErr)
		}
	}
}

func maskEntry(entry APIKeyEntry) MaskedKey {
	preview := entry.Key
	if len(preview) > 8 {
		preview = preview[:8] + "..."
	}
	return MaskedKey{
		ID:         entry.ID,
		Name:       entry.Name,
		KeyPreview: preview,
		CreatedAt:  entry.CreatedAt,
		Enabled:    entry.Enabled,
	}
}

func shortID() string { return randomHex(4) }

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
