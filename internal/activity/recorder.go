// Package activity keeps a bounded, newest-first log of ledger-affecting
// events for UI and export consumers.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/pkg/models"
)

// DefaultCapacity is the eviction bound used when none is configured.
const DefaultCapacity = 50

// Recorder is a bounded ring of activity records. Once capacity is
// exceeded the oldest entry is evicted.
type Recorder struct {
	logger   *zap.Logger
	capacity int

	mu      sync.Mutex
	records []models.ActivityRecord
	start   int
	count   int
}

// NewRecorder creates a recorder with the given capacity, falling back to
// DefaultCapacity for non-positive values.
func NewRecorder(logger *zap.Logger, capacity int) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		logger:   logger,
		capacity: capacity,
		records:  make([]models.ActivityRecord, capacity),
	}
}

// Record appends an entry, evicting the oldest once the recorder is full.
// A missing ID or timestamp is filled in.
func (r *Recorder) Record(rec models.ActivityRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.capacity
	if r.count == r.capacity {
		r.start = (r.start + 1) % r.capacity
		r.count--
	}
	r.records[idx] = rec
	r.count++
}

// Recent returns up to n entries, newest first. The ordering is by
// insertion, independent of how entries were batched.
func (r *Recorder) Recent(n int) []models.ActivityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]models.ActivityRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.count - 1 - i) % r.capacity
		out = append(out, r.records[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Attach subscribes the recorder to the local activity events so every
// settlement, applied wallet update and reversal produces an entry. These
// names are distinct from the wire message types; activity events always
// carry an ActivityRecord payload.
func (r *Recorder) Attach(b *bus.Bus) {
	for _, name := range []string{"trade_settled", "wallet_applied", "transfer", "reversal"} {
		name := name
		b.On(name, func(evt bus.Event) {
			rec, ok := evt.Payload.(models.ActivityRecord)
			if !ok {
				r.logger.Warn("activity event without record payload", zap.String("event", name))
				return
			}
			if rec.Type == "" {
				rec.Type = name
			}
			r.Record(rec)
		})
	}
}
