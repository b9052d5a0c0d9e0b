package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
)

// LiveConfig tunes the Live market data source (spec.md §4.2).
type LiveConfig struct {
	NATSURL           string
	Symbols           []string
	HeartbeatInterval time.Duration // default 30s
	MissedHeartbeats  int           // default 3
	MaxBackoff        time.Duration // default 30s
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = 3
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Reconnected is published on "market.reconnected" once a dropped
// connection is re-established and every symbol is re-subscribed.
type Reconnected struct {
	Symbols []string
	At      time.Time
}

// wireTick is the JSON payload carried on each per-symbol subject.
type wireTick struct {
	Timestamp int64   `json:"timestamp"` // unix millis
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

// Live streams ticks from the exchange feed's NATS bridge, one subject per
// symbol. Grounded on
// internal/marketdata/external/binance_websocket.go's
// connect/reconnect/handleMessages shape; the raw exchange websocket
// protocol itself is outside this spec's scope, so the feed transport is a
// NATS subject per symbol instead, with the same heartbeat/backoff/resubscribe
// contract of spec.md §4.2 layered on top.
type Live struct {
	cfg    LiveConfig
	logger *zap.Logger
	bus    *bus.Bus

	mu      sync.Mutex
	conn    *nats.Conn
	subs    []*nats.Subscription
	lastMsg atomic.Int64 // unix nano of the last received message

	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewLive constructs a Live source. logger and bus are injected (spec §9).
func NewLive(cfg LiveConfig, logger *zap.Logger, b *bus.Bus) *Live {
	return &Live{cfg: cfg.withDefaults(), logger: logger, bus: b, stopped: make(chan struct{})}
}

// Start connects, subscribes every configured symbol, and launches the
// heartbeat monitor. It returns once the initial connection succeeds.
func (l *Live) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	if err := l.connect(); err != nil {
		cancel()
		return err
	}
	go l.monitorHeartbeat(runCtx)
	return nil
}

func (l *Live) connect() error {
	// Reconnection is driven entirely by monitorHeartbeat's own backoff
	// loop, not nats.go's built-in reconnect, so there is exactly one
	// reconnect policy in play.
	conn, err := nats.Connect(l.cfg.NATSURL, nats.NoReconnect())
	if err != nil {
		return fmt.Errorf("connect to market feed: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return l.subscribeAll()
}

func (l *Live) subscribeAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := make([]*nats.Subscription, 0, len(l.cfg.Symbols))
	for _, symbol := range l.cfg.Symbols {
		symbol := symbol
		subject := "market.ticks." + symbol
		sub, err := l.conn.Subscribe(subject, func(msg *nats.Msg) {
			l.lastMsg.Store(time.Now().UnixNano())

			var wt wireTick
			if err := json.Unmarshal(msg.Data, &wt); err != nil {
				l.logger.Warn("discarding malformed tick", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			tick := domain.Tick{
				Timestamp: time.UnixMilli(wt.Timestamp),
				Symbol:    symbol,
				Price:     wt.Price,
				Volume:    wt.Volume,
			}
			if err := l.bus.Publish(context.Background(), "market.price_update", tick); err != nil {
				l.logger.Warn("failed to publish tick", zap.String("symbol", symbol), zap.Error(err))
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	l.subs = subs
	l.lastMsg.Store(time.Now().UnixNano())
	return nil
}

func (l *Live) monitorHeartbeat(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	threshold := time.Duration(l.cfg.MissedHeartbeats) * l.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, l.lastMsg.Load())
			if time.Since(last) < threshold {
				continue
			}
			l.logger.Warn("market feed missed heartbeats, reconnecting",
				zap.Duration("since_last_message", time.Since(last)))
			l.reconnectWithBackoff(ctx)
		}
	}
}

// reconnectWithBackoff retries connect forever at 1s, 2s, 4s, 8s, ...,
// capped at MaxBackoff (default 30s) until it succeeds or ctx is done.
func (l *Live) reconnectWithBackoff(ctx context.Context) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.closeConn()
		if err := l.connect(); err == nil {
			l.logger.Info("market feed reconnected", zap.Int("attempt", attempt))
			if pubErr := l.bus.Publish(ctx, "market.reconnected", Reconnected{Symbols: l.cfg.Symbols, At: time.Now()}); pubErr != nil {
				l.logger.Warn("failed to publish market.reconnected", zap.Error(pubErr))
			}
			return
		} else {
			l.logger.Warn("market feed reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
	}
}

// nextBackoff doubles backoff, capped at max.
func nextBackoff(backoff, max time.Duration) time.Duration {
	backoff *= 2
	if backoff > max {
		return max
	}
	return backoff
}

func (l *Live) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		_ = s.Unsubscribe()
	}
	l.subs = nil
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// Stop cancels the heartbeat monitor and closes the connection.
func (l *Live) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.closeConn()
	return nil
}
