// Package truncation tracks upstream turns that were cut short and repairs
// follow-up conversations so the model learns its previous output was
// incomplete. Records are keyed either by the truncated tool call's id or by a
// fingerprint of the truncated assistant text.
package truncation

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record notes that a prior turn's content was cut short upstream.
type Record struct {
	ToolName    string
	ToolUseID   string
	ContentHash string
	Detail      string
	RecordedAt  time.Time
}

// Registry is an in-process index of truncation records. Entries are written
// by the stream relay when it observes an unterminated upstream turn and read
// by the repair preprocessor on the next request.
type Registry struct {
	mu        sync.RWMutex
	byToolUse map[string]Record
	byContent map[string]Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byToolUse: make(map[string]Record),
		byContent: make(map[string]Record),
	}
}

// RecordToolTruncation notes that the arguments of toolUseID were cut off.
func (r *Registry) RecordToolTruncation(toolUseID, toolName, detail string) {
	if toolUseID == "" {
		return
	}
	r.mu.Lock()
	r.byToolUse[toolUseID] = Record{
		ToolName:   toolName,
		ToolUseID:  toolUseID,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	log.Debugf("truncation: recorded tool truncation for %s (%s)", toolUseID, toolName)
}

// RecordContentTruncation notes that an assistant text reply was cut off.
func (r *Registry) RecordContentTruncation(content, detail string) {
	if content == "" {
		return
	}
	hash := ContentHash(content)
	r.mu.Lock()
	r.byContent[hash] = Record{
		ContentHash: hash,
		Detail:      detail,
		RecordedAt:  time.Now().UTC(),
	}
	r.mu.Unlock()
	log.Debugf("truncation: recorded content truncation (hash %s)", hash[:12])
}

// LookupByToolCall returns the record for a truncated tool call, if any.
func (r *Registry) LookupByToolCall(toolUseID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byToolUse[toolUseID]
	return rec, ok
}

// LookupByContentHash returns the record matching a fingerprint of content.
func (r *Registry) LookupByContentHash(content string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byContent[ContentHash(content)]
	return rec, ok
}

// ContentHash fingerprints assistant text for truncation lookup.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
