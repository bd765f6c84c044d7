package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/audit"
	"github.com/memorycrystal/crystal/internal/chunker"
	"github.com/memorycrystal/crystal/internal/crypto"
	"github.com/memorycrystal/crystal/internal/ingest"
	"github.com/memorycrystal/crystal/internal/relay/client"
	"github.com/memorycrystal/crystal/internal/store"
)

// conversationMessage mirrors the wire shape a device drops onto the
// conversations channel: one captured turn.
type conversationMessage struct {
	Text      string    `json:"text"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

// conversationPayload is the plaintext a device seals before dropping it.
type conversationPayload struct {
	AgentID   string                 `json:"agent_id"`
	DroppedAt time.Time              `json:"dropped_at"`
	Messages  []conversationMessage  `json:"messages"`
}

// conversationPoller drains the conversations channel on an interval,
// rehydrating each dropped payload into chunks and ingesting them. A blob
// that fails to decrypt is poison and is deleted rather than retried, so a
// single corrupt drop cannot block the channel.
type conversationPoller struct {
	relay    *client.Client
	pipeline *ingest.Pipeline
	logger   *logrus.Logger
	audit    audit.Logger
}

func newConversationPoller(relay *client.Client, pipeline *ingest.Pipeline, logger *logrus.Logger, auditLogger audit.Logger) *conversationPoller {
	return &conversationPoller{relay: relay, pipeline: pipeline, logger: logger, audit: auditLogger}
}

// Run polls the conversations channel every interval until ctx is cancelled.
func (p *conversationPoller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger.WithError(err).Warn("conversation poll failed")
			}
		}
	}
}

func (p *conversationPoller) pollOnce(ctx context.Context) error {
	blobs, err := p.relay.List(ctx, "conversations")
	if err != nil {
		return fmt.Errorf("poller: list conversations: %w", err)
	}

	for _, b := range blobs {
		start := time.Now()
		if err := p.applyBlob(ctx, b.ID); err != nil {
			p.logger.WithError(err).WithField("blob_id", b.ID).Warn("dropping poison conversation blob")
			_ = p.relay.Confirm(ctx, "conversations", b.ID)
			if p.audit != nil {
				p.audit.LogRelay(audit.EventTypePickup, "conversations", b.ID, "", "", "", false, err, time.Since(start))
			}
			continue
		}
		_ = p.relay.Confirm(ctx, "conversations", b.ID)
		if p.audit != nil {
			p.audit.LogRelay(audit.EventTypePickup, "conversations", b.ID, "", "", "", true, nil, time.Since(start))
		}
	}
	return nil
}

func (p *conversationPoller) applyBlob(ctx context.Context, id string) error {
	raw, err := p.relay.Fetch(ctx, "conversations", id)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var sealed crypto.Payload
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	plaintext, err := p.relay.Open(&sealed)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	var conv conversationPayload
	if err := json.Unmarshal(plaintext, &conv); err != nil {
		return fmt.Errorf("decode conversation payload: %w", err)
	}

	candidates := make([]ingest.Candidate, 0, len(conv.Messages))
	for i, m := range conv.Messages {
		for _, text := range chunker.ChunkMessage(m.Text) {
			candidates = append(candidates, ingest.Candidate{
				Text:          text,
				Role:          store.Role(m.Role),
				SourceType:    store.SourceConversation,
				SourceID:      fmt.Sprintf("conversation:%s:%s:%d", conv.AgentID, m.SessionID, i),
				AgentID:       conv.AgentID,
				TokenEstimate: len(text) / 4,
				CreatedAt:     m.Timestamp,
			})
		}
	}

	if _, err := p.pipeline.IngestBatchedWithRetry(ctx, candidates); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}
