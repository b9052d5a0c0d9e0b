package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
)

// maxAcceleration is the hard cap of spec.md §4.2: above 100x, ticks replay
// with zero delay.
const maxAcceleration = 100

// replayTopic is the single internal gochannel topic ticks are paced
// through before being forwarded onto the event bus.
const replayTopic = "replay"

// ReplaySource pulls a prior session's ticks back out of the store,
// ordered by (timestamp, symbol). Implemented by internal/store against
// the time-series tables of spec.md §6.3.
type ReplaySource interface {
	FetchOrdered(ctx context.Context, sessionID string) ([]domain.Tick, error)
}

// ReplayConfig tunes the Replay market data source.
type ReplayConfig struct {
	SessionID          string
	AccelerationFactor float64 // default 1, hard-capped at 100
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if c.AccelerationFactor <= 0 {
		c.AccelerationFactor = 1
	}
	if c.AccelerationFactor > maxAcceleration {
		c.AccelerationFactor = maxAcceleration
	}
	return c
}

// Completed is published on "market.replay_completed" once every tick from
// the source session has been replayed.
type Completed struct {
	SessionID string
	Ticks     int
	At        time.Time
}

// Replay pulls a prior session's ticks from the store and republishes them
// at a paced rate (spec.md §4.2). Grounded on
// internal/trading/market_data/historical/service.go's cache-and-serve
// shape, adapted here to a pull-then-pace stream rather than a
// request-response cache, since replay serves a whole session at once.
//
// A pacing goroutine publishes each tick into an internal watermill
// gochannel topic as its delay elapses; a separate forwarding goroutine
// reads that topic and republishes onto the event bus. The gochannel fan-in
// is the same decoupled producer/consumer shape
// internal/architecture/cqrs/eventbus/watermill_adapter.go uses for the
// live bus backbone, reused here for the replay path specifically (see
// DESIGN.md).
type Replay struct {
	cfg    ReplayConfig
	logger *zap.Logger
	bus    *bus.Bus
	source ReplaySource
	fanin  *gochannel.GoChannel

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplay constructs a Replay source. logger, bus and source are all
// injected (spec §9).
func NewReplay(cfg ReplayConfig, logger *zap.Logger, b *bus.Bus, source ReplaySource) *Replay {
	return &Replay{
		cfg:    cfg.withDefaults(),
		logger: logger,
		bus:    b,
		source: source,
		fanin:  gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NewStdLogger(false, false)),
		done:   make(chan struct{}),
	}
}

// Start fetches the source session's ticks and begins replaying them on
// background goroutines, returning once the fetch succeeds.
func (r *Replay) Start(ctx context.Context) error {
	ticks, err := r.source.FetchOrdered(ctx, r.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("fetch replay ticks: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	msgs, err := r.fanin.Subscribe(runCtx, replayTopic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe replay fan-in: %w", err)
	}

	go r.pace(runCtx, ticks)
	go r.forward(runCtx, msgs)
	return nil
}

func (r *Replay) pace(ctx context.Context, ticks []domain.Tick) {
	var prev time.Time
	for i, tick := range ticks {
		if i > 0 {
			delay := pacedDelay(tick.Timestamp.Sub(prev), r.cfg.AccelerationFactor)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}

		payload, err := json.Marshal(tick)
		if err != nil {
			r.logger.Warn("failed to marshal replayed tick", zap.Error(err))
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		if err := r.fanin.Publish(replayTopic, msg); err != nil {
			r.logger.Warn("failed to publish into replay fan-in", zap.Error(err))
		}
		prev = tick.Timestamp
	}
	_ = r.fanin.Close()
}

func (r *Replay) forward(ctx context.Context, msgs <-chan *message.Message) {
	defer close(r.done)

	count := 0
	for msg := range msgs {
		var tick domain.Tick
		if err := json.Unmarshal(msg.Payload, &tick); err != nil {
			r.logger.Warn("discarding malformed replayed tick", zap.Error(err))
			msg.Ack()
			continue
		}
		if err := r.bus.Publish(ctx, "market.price_update", tick); err != nil {
			r.logger.Warn("failed to publish replayed tick", zap.Error(err))
		}
		msg.Ack()
		count++
	}

	if err := r.bus.Publish(ctx, "market.replay_completed", Completed{
		SessionID: r.cfg.SessionID, Ticks: count, At: time.Now(),
	}); err != nil {
		r.logger.Warn("failed to publish market.replay_completed", zap.Error(err))
	}
}

// pacedDelay is the wall-clock delay between two consecutive ticks at the
// configured acceleration: actual_gap / acceleration_factor, zero above the
// 100x hard cap (spec.md §4.2).
func pacedDelay(gap time.Duration, accel float64) time.Duration {
	if accel >= maxAcceleration || gap <= 0 {
		return 0
	}
	return time.Duration(float64(gap) / accel)
}

// Stop cancels the replay loop. Already-enqueued publishes still complete.
func (r *Replay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
