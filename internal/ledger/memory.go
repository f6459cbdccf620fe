package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lexivault/lexibatch/pkg/models"
)

// MemoryLedger is an in-process Ledger for unit tests and local development.
type MemoryLedger struct {
	mu     sync.RWMutex
	nextID int64
	events map[string][]*models.JobEvent
}

// NewMemoryLedger returns a new empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{events: make(map[string][]*models.JobEvent)}
}

func (l *MemoryLedger) Append(_ context.Context, jobID string, eventType models.EventType, data map[string]any) error {
	var payload []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		payload = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.events[jobID] = append(l.events[jobID], &models.JobEvent{
		ID:        l.nextID,
		JobID:     jobID,
		EventType: eventType,
		EventData: payload,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (l *MemoryLedger) Replay(_ context.Context, jobID string) ([]*models.JobEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	evs := l.events[jobID]
	out := make([]*models.JobEvent, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// Compile-time check that MemoryLedger implements Ledger.
var _ Ledger = (*MemoryLedger)(nil)
