package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Broker fans out stage-record notifications to SSE subscribers. It runs
// a background goroutine that calls db.WaitForNotification in a loop and
// routes each payload to the subscribers watching that run.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID // value is the run the channel watches
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// recordEvent is the NOTIFY payload for one appended stage record. The
// Postgres notification payload is capped at 8000 bytes, so artifacts
// stay out; consumers fetch them by ID from the records endpoint.
type recordEvent struct {
	RunID      uuid.UUID          `json:"run_id"`
	Seq        int64              `json:"seq"`
	Stage      string             `json:"stage"`
	StageIndex int                `json:"stage_index"`
	Attempt    int                `json:"attempt"`
	Outcome    model.StageOutcome `json:"outcome"`
	ModelUsed  string             `json:"model_used,omitempty"`
	CostMicros model.Micros       `json:"cost_micros"`
	ArtifactID *uuid.UUID         `json:"artifact_id,omitempty"`
	EndedAt    time.Time          `json:"ended_at"`
}

// PublishStageRecord is the ledger's append sink. It runs after the
// record is durable, so a notification never precedes its row. Delivery
// is best-effort: the stream is a convenience view over the ledger, and
// a missed notification costs a poll, not data.
func (b *Broker) PublishStageRecord(rec model.StageRecord) {
	payload, err := json.Marshal(recordEvent{
		RunID:      rec.RunID,
		Seq:        rec.Seq,
		Stage:      rec.StageName,
		StageIndex: rec.StageIndex,
		Attempt:    rec.Attempt,
		Outcome:    rec.Outcome,
		ModelUsed:  rec.ModelUsed,
		CostMicros: rec.Cost,
		ArtifactID: rec.ArtifactID,
		EndedAt:    rec.EndedAt,
	})
	if err != nil {
		b.logger.Warn("broker: marshal record event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.db.Notify(ctx, storage.ChannelRecords, string(payload)); err != nil {
		b.logger.Warn("broker: notify failed", "run_id", rec.RunID, "error", err)
	}
}

// Start begins listening on the records channel. It blocks, so call it
// in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelRecords); err != nil {
		b.logger.Error("broker: listen records", "error", err)
		return
	}

	b.logger.Info("broker: listening for stage records", "channel", storage.ChannelRecords)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.dispatch(payload)
	}
}

// dispatch parses the run ID off the payload and delivers the event to
// that run's subscribers only.
func (b *Broker) dispatch(payload string) {
	var env struct {
		RunID uuid.UUID `json:"run_id"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.RunID == uuid.Nil {
		b.logger.Warn("broker: unroutable notification", "error", err)
		return
	}

	event := formatSSE("record", payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, runID := range b.subscribers {
		if runID != env.RunID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted events for one
// run. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the dispatch loop.
	b.mu.Lock()
	b.subscribers[ch] = runID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
