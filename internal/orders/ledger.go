package orders

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// ledger holds the in-memory position table keyed by symbol (spec.md §4.6:
// "(session, symbol)" — one session per process, so symbol alone keys it
// here). Every mutation publishes position.updated or position.closed.
// Guarded by its own mutex, separate from the per-symbol signal-handling
// lock in manager.go, since a reconciliation poll or tick-driven fill can
// touch it outside a signal-handling critical section.
type ledger struct {
	sessionID string
	bus       *bus.Bus
	logger    *zap.Logger
	sink      *metrics.Sink

	mu        sync.Mutex
	positions map[string]*domain.Position // keyed by symbol
}

func newLedger(sessionID string, b *bus.Bus, logger *zap.Logger, sink *metrics.Sink) *ledger {
	return &ledger{
		sessionID: sessionID,
		bus:       b,
		logger:    logger,
		sink:      sink,
		positions: make(map[string]*domain.Position),
	}
}

// applyFill nets a fill of signedQty (positive for BUY, negative for SELL)
// at fillPrice into the symbol's position, realising P&L on any offsetting
// quantity (spec.md §4.6: "net against opposite fills; realise P&L on the
// offset quantity; on reaching zero, close the position").
func (l *ledger) applyFill(ctx context.Context, o *domain.Order, fillQty, fillPrice float64, now time.Time) {
	signedQty := fillQty
	if o.Side == domain.SideSell {
		signedQty = -fillQty
	}

	l.mu.Lock()
	pos, exists := l.positions[o.Symbol]
	if !exists || pos.Status == domain.PositionClosed {
		pos = &domain.Position{
			PositionID: ksuid.New().String(),
			SessionID:  l.sessionID,
			Symbol:     o.Symbol,
			Side:       sideFromSigned(signedQty),
			Status:     domain.PositionOpen,
			OpenedAt:   now,
		}
		l.positions[o.Symbol] = pos
	}

	existingSigned := pos.SignedQuantity()
	newSigned := existingSigned + signedQty

	switch {
	case existingSigned == 0 || sameSign(existingSigned, signedQty):
		// Same-direction fill: weighted-average the entry price.
		totalQty := abs(existingSigned) + abs(signedQty)
		if totalQty > 0 {
			pos.AvgPrice = (pos.AvgPrice*abs(existingSigned) + fillPrice*abs(signedQty)) / totalQty
		}
		pos.Side = sideFromSigned(newSigned)
		pos.Quantity = abs(newSigned)
		pos.Margin += o.ReservedMargin
		pos.Leverage = o.Leverage

	default:
		// Opposing fill: realise P&L on the offsetting quantity.
		offset := minAbs(existingSigned, signedQty)
		direction := 1.0
		if existingSigned < 0 {
			direction = -1.0
		}
		pos.RealisedPnL += (fillPrice - pos.AvgPrice) * offset * direction
		pos.Quantity = abs(newSigned)
		pos.Side = sideFromSigned(newSigned)
		if pos.Quantity == 0 {
			pos.Status = domain.PositionClosed
		} else if sameSign(newSigned, signedQty) {
			// Position flipped direction; the remainder opens fresh at fillPrice.
			pos.AvgPrice = fillPrice
		}
	}
	pos.UpdatedAt = now
	pos.ComputeUnrealised(fillPrice)
	snapshot := *pos
	closed := pos.Status == domain.PositionClosed
	if closed {
		delete(l.positions, o.Symbol)
	}
	l.mu.Unlock()

	l.sink.PositionsOpen.WithLabelValues(o.Symbol).Set(boolToFloat(!closed))
	topic := "position.updated"
	if closed {
		topic = "position.closed"
	}
	if err := l.bus.Publish(ctx, topic, snapshot); err != nil {
		l.logger.Warn("failed to publish position event", zap.String("topic", topic), zap.Error(err))
	}
}

// markPrice refreshes unrealised P&L for the symbol's open position from
// the latest tick, without changing quantity, and republishes
// position.updated (spec.md §4.6: "Every mutation publishes position
// .updated with the new state including unrealised P&L from the last tick
// price").
func (l *ledger) markPrice(ctx context.Context, symbol string, price float64) {
	l.mu.Lock()
	pos, exists := l.positions[symbol]
	if !exists || pos.Status == domain.PositionClosed {
		l.mu.Unlock()
		return
	}
	pos.ComputeUnrealised(price)
	pos.UpdatedAt = time.Now()
	snapshot := *pos
	l.mu.Unlock()

	if err := l.bus.Publish(ctx, "position.updated", snapshot); err != nil {
		l.logger.Warn("failed to publish position.updated", zap.Error(err))
	}
}

func (l *ledger) get(symbol string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// totalMargin sums margin across every currently open position, for the
// risk check's budget-cap computation.
func (l *ledger) totalMargin() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, p := range l.positions {
		total += p.Margin
	}
	return total
}

func sideFromSigned(signed float64) domain.PositionSide {
	if signed < 0 {
		return domain.PositionShort
	}
	return domain.PositionLong
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minAbs(a, b float64) float64 {
	aa, ab := abs(a), abs(b)
	if aa < ab {
		return aa
	}
	return ab
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
