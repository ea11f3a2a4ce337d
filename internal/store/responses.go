// Package store implements the gateway's durable state: conversation state for
// the Responses API, request history, and gateway API keys. All three persist
// as JSON snapshots rewritten in full on every mutation; write volume is bounded
// by live conversation count, not message volume.
package store

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ResponseIDPrefix is prepended to every conversation state identifier.
const ResponseIDPrefix = "resp_"

// Message is a single conversation message. Values are immutable once stored;
// transformations always build new values.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// TextMessage builds a Message with plain string content.
func TextMessage(role, content string) Message {
	raw, _ := json.Marshal(content)
	return Message{Role: role, Content: raw}
}

// Text returns the content as a plain string, or ("", false) when the content
// is absent or structured.
func (m Message) Text() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ResponseState is one stateful conversation's persisted record.
type ResponseState struct {
	ResponseID   string            `json:"response_id"`
	Messages     []Message         `json:"messages"`
	Model        string            `json:"model"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	LastAccessed string            `json:"last_accessed"`
}

type responseSnapshot struct {
	States []ResponseState `json:"states"`
}

// ResponseStore keeps conversation state for the Responses API, keyed by an
// opaque response identifier. Iteration order is least-recently-used first so
// the persisted snapshot doubles as an access log. Constructed once at startup;
// every mutating call rewrites the snapshot file.
type ResponseStore struct {
	mu     sync.Mutex
	path   string
	maxAge time.Duration
	order  []string
	states map[string]*ResponseState
}

// NewResponseStore loads the snapshot at path and sweeps expired records.
// maxAgeDays <= 0 falls back to 7 days.
func NewResponseStore(path string, maxAgeDays int) *ResponseStore {
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	s := &ResponseStore{
		path:   path,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
		states: make(map[string]*ResponseState),
	}
	s.load()
	s.sweepExpired()
	return s
}

func (s *ResponseStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("response store: load %s failed: %v", s.path, err)
		}
		return
	}
	var snap responseSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		log.Warnf("response store: parse %s failed: %v", s.path, err)
		return
	}
	for i := range snap.States {
		st := snap.States[i]
		if st.ResponseID == "" {
			continue
		}
		if _, exists := s.states[st.ResponseID]; exists {
			continue
		}
		s.states[st.ResponseID] = &st
		s.order = append(s.order, st.ResponseID)
	}
	log.Infof("response store: loaded %d state(s) from %s", len(s.states), s.path)
}

// save rewrites the full snapshot. Best-effort: failures are logged, never
// surfaced to the request path. Caller must hold s.mu.
func (s *ResponseStore) save() {
	snap := responseSnapshot{States: make([]ResponseState, 0, len(s.order))}
	for _, id := range s.order {
		if st := s.states[id]; st != nil {
			snap.States = append(snap.States, *st)
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Warnf("response store: marshal snapshot failed: %v", err)
		return
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		log.Warnf("response store: save %s failed: %v", s.path, err)
	}
}

// sweepExpired removes records whose last access is strictly older than the
// cutoff, or whose timestamp cannot be parsed. Caller runs this at startup only.
func (s *ResponseStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.maxAge)
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		st := s.states[id]
		stamp := st.LastAccessed
		if stamp == "" {
			stamp = st.CreatedAt
		}
		at, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil || at.Before(cutoff) {
			delete(s.states, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	if removed > 0 {
		log.Infof("response store: cleaned up %d expired state(s)", removed)
		s.save()
	}
}

// Create stores a new conversation state and returns its identifier. Never
// fails: persistence errors are logged only.
func (s *ResponseStore) Create(messages []Message, model string, metadata map[string]string) string {
	return s.CreateWithID(NewResponseID(), messages, model, metadata)
}

// CreateWithID stores a state under a caller-allocated identifier. Streaming
// handlers allocate the id up front so the terminal event and the stored
// record agree on it.
func (s *ResponseStore) CreateWithID(id string, messages []Message, model string, metadata map[string]string) string {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	st := &ResponseState{
		ResponseID:   id,
		Messages:     append([]Message(nil), messages...),
		Model:        model,
		Metadata:     metadata,
		CreatedAt:    now,
		LastAccessed: now,
	}

	s.mu.Lock()
	s.states[id] = st
	s.order = append(s.order, id)
	s.save()
	s.mu.Unlock()

	log.Debugf("response store: created %s with %d message(s)", id, len(messages))
	return id
}

// Get returns a copy of the state for id, refreshing its last-accessed stamp
// and moving it to the most-recently-used position. Returns false on miss with
// no side effects.
func (s *ResponseStore) Get(id string) (ResponseState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return ResponseState{}, false
	}
	st.LastAccessed = time.Now().UTC().Format(time.RFC3339Nano)
	s.moveToEnd(id)
	s.save()

	out := *st
	out.Messages = append([]Message(nil), st.Messages...)
	return out, true
}

// Delete removes a state and reports whether it existed.
func (s *ResponseStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[id]; !ok {
		return false
	}
	delete(s.states, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.save()
	return true
}

// ListAll returns copies of every state in iteration order (LRU first).
func (s *ResponseStore) ListAll() []ResponseState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ResponseState, 0, len(s.order))
	for _, id := range s.order {
		if st := s.states[id]; st != nil {
			cp := *st
			cp.Messages = append([]Message(nil), st.Messages...)
			out = append(out, cp)
		}
	}
	return out
}

// ClearAll removes every state and returns how many were removed.
func (s *ResponseStore) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.states)
	s.states = make(map[string]*ResponseState)
	s.order = nil
	s.save()
	log.Infof("response store: cleared all %d state(s)", count)
	return count
}

// Len returns the number of live states.
func (s *ResponseStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *ResponseStore) moveToEnd(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(append(s.order[:i:i], s.order[i+1:]...), id)
			return
		}
	}
}

// NewResponseID allocates a fresh identifier: fixed prefix plus a random hex
// suffix. Collision probability is negligible.
func NewResponseID() string {
	raw := uuid.New()
	return ResponseIDPrefix + hex.EncodeToString(raw[:])
}
