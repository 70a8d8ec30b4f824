// Package persistence defines the append-only trade journal and decision
// audit log. Journal writes always happen outside the decision critical
// section: the async wrapper buffers events and drops with a warning
// rather than ever blocking the decision path.
package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/domain/position"
	"github.com/quantgate/quantgate/internal/metrics"
)

// DecisionRecord is one evaluation outcome persisted for audit.
type DecisionRecord struct {
	ID         string    `db:"id"`
	Timestamp  time.Time `db:"ts"`
	Symbol     string    `db:"symbol"`
	Strategy   string    `db:"strategy"`
	Direction  string    `db:"direction"`
	Approved   bool      `db:"approved"`
	ReasonCode string    `db:"reason_code"`
	Reason     string    `db:"reason"`
	Quality    float64   `db:"quality"`
	SizePct    float64   `db:"size_pct"`
	SizeLots   float64   `db:"size_lots"`
}

// Journal is the audit sink contract.
type Journal interface {
	AppendTrade(ctx context.Context, trade position.ClosedTrade) error
	AppendDecision(ctx context.Context, rec DecisionRecord) error
	Close() error
}

// Noop discards everything; used in paper runs without a database.
type Noop struct{}

func (Noop) AppendTrade(context.Context, position.ClosedTrade) error { return nil }
func (Noop) AppendDecision(context.Context, DecisionRecord) error    { return nil }
func (Noop) Close() error                                            { return nil }

type journalEvent struct {
	trade    *position.ClosedTrade
	decision *DecisionRecord
}

// Async wraps a Journal with a bounded queue drained by one background
// writer goroutine. Enqueueing never blocks: when the queue is full the
// event is dropped, counted, and logged.
type Async struct {
	inner   Journal
	queue   chan journalEvent
	done    chan struct{}
	metrics *metrics.Metrics
}

// NewAsync starts the writer goroutine. queueSize defaults to 1024.
func NewAsync(inner Journal, queueSize int, m *metrics.Metrics) *Async {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan journalEvent, queueSize),
		done:    make(chan struct{}),
		metrics: m,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case ev.trade != nil:
			err = a.inner.AppendTrade(ctx, *ev.trade)
		case ev.decision != nil:
			err = a.inner.AppendDecision(ctx, *ev.decision)
		}
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("journal write failed")
		}
	}
}

// AppendTrade enqueues without blocking.
func (a *Async) AppendTrade(_ context.Context, trade position.ClosedTrade) error {
	a.enqueue(journalEvent{trade: &trade})
	return nil
}

// AppendDecision enqueues without blocking.
func (a *Async) AppendDecision(_ context.Context, rec DecisionRecord) error {
	a.enqueue(journalEvent{decision: &rec})
	return nil
}

func (a *Async) enqueue(ev journalEvent) {
	select {
	case a.queue <- ev:
	default:
		if a.metrics != nil {
			a.metrics.JournalDropped.Inc()
		}
		log.Warn().Msg("journal queue full, event dropped")
	}
}

// Close drains the queue and closes the inner journal.
func (a *Async) Close() error {
	close(a.queue)
	<-a.done
	return a.inner.Close()
}
