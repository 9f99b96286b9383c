// Package replay streams missed messages to a resuming device. The engine
// reads the authoritative store in seq order, bounded to the conversation tip
// observed at start; frames persisted after that tip belong to the live
// stream and are delivered by the hub once catch-up completes.
package replay

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/metrics"
	"github.com/veilchat/veild/internal/store"
)

// BatchSize is how many messages one store round-trip fetches.
const BatchSize = 200

// Sink receives replayed messages in seq order. Returning an error aborts
// the catch-up (the session is gone or backpressured out).
type Sink func(msg domain.Message) error

// Result summarizes one conversation's catch-up.
type Result struct {
	// Tip is the highest seq covered; live frames start after it.
	Tip     uint64
	Count   int
	Batches int
}

type Engine struct {
	store     store.MessagesRead
	logger    zerolog.Logger
	batchSize int
}

func NewEngine(st store.MessagesRead, logger zerolog.Logger) *Engine {
	return &Engine{store: st, logger: logger, batchSize: BatchSize}
}

// CatchUp streams every message of conversationID with seq in
// (afterSeq, tip] to sink, where tip is the conversation's highest seq when
// the catch-up starts. Messages arrive in strictly ascending seq order.
func (e *Engine) CatchUp(ctx context.Context, conversationID uuid.UUID, afterSeq uint64, sink Sink) (Result, error) {
	tip, err := e.store.TipSeq(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Tip: tip}
	if tip <= afterSeq {
		return res, nil
	}

	cursor := afterSeq
	for cursor < tip {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := e.store.ListRange(ctx, conversationID, cursor, tip, e.batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			// Nothing left below the tip (deleted rows can shorten the range).
			break
		}
		res.Batches++
		for i := range batch {
			if err := sink(batch[i]); err != nil {
				return res, err
			}
			res.Count++
			metrics.ReplayMessages.Inc()
		}
		cursor = batch[len(batch)-1].Seq
	}

	e.logger.Debug().
		Str("conversation_id", conversationID.String()).
		Uint64("after_seq", afterSeq).
		Uint64("tip", tip).
		Int("count", res.Count).
		Int("batches", res.Batches).
		Msg("Catch-up complete")
	return res, nil
}
