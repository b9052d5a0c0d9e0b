package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/store"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// IndicatorSink is the Indicator Persistence component of spec.md §4.4:
// subscribes to indicator.updated and appends rows in batches.
type IndicatorSink struct {
	bus     *bus.Bus
	batcher *Batcher[store.IndicatorRow]
	sub     *bus.Subscription
}

// NewIndicatorSink constructs an IndicatorSink writing through st. st may
// be nil (a deployment with no store configured); every flush then sheds
// straight to the overflow ring via noStoreWrite rather than dereferencing
// a nil store.
func NewIndicatorSink(cfg BatchConfig, logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, st *store.Store) *IndicatorSink {
	write := noStoreWrite[store.IndicatorRow]
	if st != nil {
		write = st.UpsertIndicators
	}
	batcher := NewBatcher[store.IndicatorRow]("indicators", cfg, logger, sink, b, write)
	return &IndicatorSink{bus: b, batcher: batcher}
}

// Start subscribes to indicator.updated.
func (s *IndicatorSink) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe("indicator.updated", s.onIndicatorUpdated, bus.SubscribeOptions{QueueSize: 4096})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *IndicatorSink) onIndicatorUpdated(ctx context.Context, env bus.Envelope) error {
	iv, ok := env.Payload.(domain.IndicatorValue)
	if !ok {
		return fmt.Errorf("indicator.updated: unexpected payload type %T", env.Payload)
	}
	s.batcher.Add(ctx, store.IndicatorRow{
		SessionID: iv.SessionID,
		Symbol:    iv.Symbol,
		VariantID: iv.VariantID,
		Timestamp: iv.Timestamp,
		Value:     iv.Value,
	})
	return nil
}

// Stop unsubscribes and flushes whatever remains buffered.
func (s *IndicatorSink) Stop(ctx context.Context) error {
	if s.sub != nil {
		if err := s.bus.Unsubscribe(s.sub); err != nil {
			return err
		}
	}
	s.batcher.Flush(ctx)
	return nil
}
