package store

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// HistoryRecord is one completed or failed request, write-only from the
// request path.
type HistoryRecord struct {
	ID           string `json:"id"`
	Time         string `json:"time"`
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Model        string `json:"model"`
	Stream       bool   `json:"stream"`
	StatusCode   int    `json:"status_code"`
	LatencyMS    int64  `json:"latency_ms"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

type historySnapshot struct {
	Records []HistoryRecord `json:"records"`
}

// RequestHistory is a FIFO buffer of recent requests with JSON persistence.
// Newest records come first.
type RequestHistory struct {
	mu      sync.Mutex
	path    string
	maxSize int
	records []HistoryRecord
}

// NewRequestHistory loads history from path. maxSize <= 0 defaults to 200.
func NewRequestHistory(path string, maxSize int) *RequestHistory {
	if maxSize <= 0 {
		maxSize = 200
	}
	h := &RequestHistory{path: path, maxSize: maxSize}
	h.load()
	return h
}

func (h *RequestHistory) load() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("request history: load %s failed: %v", h.path, err)
		}
		return
	}
	var snap historySnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		log.Warnf("request history: parse %s failed: %v", h.path, err)
		return
	}
	h.records = snap.Records
	if len(h.records) > h.maxSize {
		h.records = h.records[:h.maxSize]
	}
	log.Infof("request history: loaded %d record(s) from %s", len(h.records), h.path)
}

// save is best-effort; history must never break the request flow.
// Caller must hold h.mu.
func (h *RequestHistory) save() {
	data, err := json.Marshal(historySnapshot{Records: h.records})
	if err != nil {
		return
	}
	_ = os.WriteFile(h.path, data, 0o600)
}

// Record appends one entry at the front, evicting the oldest past maxSize.
func (h *RequestHistory) Record(rec HistoryRecord) HistoryRecord {
	rec.ID = uuid.NewString()
	rec.Time = time.Now().UTC().Format(time.RFC3339Nano)

	h.mu.Lock()
	h.records = append([]HistoryRecord{rec}, h.records...)
	if len(h.records) > h.maxSize {
		h.records = h.records[:h.maxSize]
	}
	h.save()
	h.mu.Unlock()
	return rec
}

// List returns a page of records (newest first) and the total count.
func (h *RequestHistory) List(limit, offset int) ([]HistoryRecord, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := len(h.records)
	if offset < 0 || offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return append([]HistoryRecord(nil), h.records[offset:end]...), total
}

// Clear removes all records and returns how many were removed.
func (h *RequestHistory) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := len(h.records)
	h.records = nil
	h.save()
	return count
}
