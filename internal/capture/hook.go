package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/memorycrystal/crystal/internal/store"
)

// HookTracker tracks per (agent, session) message-count watermarks in the
// store's capture_state table, for capture paths fed by a count rather
// than a byte offset.
type HookTracker struct {
	store store.Store
}

// NewHookTracker constructs a HookTracker backed by s.
func NewHookTracker(s store.Store) *HookTracker {
	return &HookTracker{store: s}
}

// Observe compares the newly observed message count against the stored
// watermark and returns only the messages not yet captured. A count
// smaller than the stored watermark is treated as a transcript compaction
// event: capture resumes from index 0.
func (h *HookTracker) Observe(ctx context.Context, agentID, sessionID string, messages []Message) ([]Message, error) {
	cs, err := h.store.GetCaptureState(ctx, agentID, sessionID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("capture: get capture state: %w", err)
	}

	startIdx := cs.LastMessageCount
	if len(messages) < cs.LastMessageCount {
		startIdx = 0
	}
	if startIdx > len(messages) {
		startIdx = len(messages)
	}

	newMessages := messages[startIdx:]

	updated := store.CaptureState{
		AgentID:          agentID,
		SourceID:         sessionID,
		LastMessageCount: len(messages),
		CycleCount:       cs.CycleCount + 1,
		LastCaptureAt:    time.Now().UTC(),
	}
	if err := h.store.PutCaptureState(ctx, updated); err != nil {
		return nil, fmt.Errorf("capture: put capture state: %w", err)
	}

	return newMessages, nil
}
