package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
)

// ExchangeOrderRequest is what LiveEngine hands the Exchange adapter.
type ExchangeOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	Price         float64
}

// ExchangeOrderAck is the adapter's immediate response to PlaceOrder.
type ExchangeOrderAck struct {
	ExchangeOrderID string
}

// ExchangeOrderStatus is one reconciliation poll's result.
type ExchangeOrderStatus struct {
	Status         domain.OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
}

// Exchange is the live order-manager's collaborator contract — narrowed
// from pkg/interfaces.ExchangeInterface in the example pack to just the
// order-lifecycle operations this engine needs. Implementations live
// outside this module (spec.md §1 treats the exchange feed as an external
// collaborator).
type Exchange interface {
	PlaceOrder(ctx context.Context, req ExchangeOrderRequest) (ExchangeOrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	OrderStatus(ctx context.Context, exchangeOrderID string) (ExchangeOrderStatus, error)
}

// LiveConfig tunes the live fill engine (spec.md §4.6).
type LiveConfig struct {
	MaxRetries           int           // default 3
	InitialBackoff       time.Duration // default 200ms
	ReconcilePollInterval time.Duration // default 2s
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.ReconcilePollInterval <= 0 {
		c.ReconcilePollInterval = 2 * time.Second
	}
	return c
}

// liveOrderTracker pairs a domain order with the exchange-assigned id and
// retry attempt counter needed to build the next client order id.
type liveOrderTracker struct {
	order           *domain.Order
	exchangeOrderID string
	attempt         int
}

// LiveEngine calls the exchange adapter, retrying idempotently on
// transient errors with exponential backoff behind a circuit breaker
// (spec.md §4.6, §7's Transient policy), and reconciles remote status
// every ReconcilePollInterval until terminal.
//
// Grounded on internal/architecture/fx/resilience/circuit_breaker.go's
// gobreaker settings shape.
type LiveEngine struct {
	cfg      LiveConfig
	logger   *zap.Logger
	exchange Exchange
	breaker  *gobreaker.CircuitBreaker
	mgr      *Manager

	mu       sync.Mutex
	tracking map[string]*liveOrderTracker // keyed by order_id

	pollStop context.CancelFunc
	pollDone chan struct{}
}

// NewLiveEngine constructs a LiveEngine against exchange.
func NewLiveEngine(cfg LiveConfig, logger *zap.Logger, exchange Exchange) *LiveEngine {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        "live-order-manager",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("live order manager circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &LiveEngine{
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		tracking: make(map[string]*liveOrderTracker),
	}
}

// SetManager completes the engine's wiring. Must be called before Start.
func (e *LiveEngine) SetManager(m *Manager) { e.mgr = m }

func (e *LiveEngine) start(ctx context.Context) error {
	e.mgr.StartExpirySweep(ctx)
	pollCtx, cancel := context.WithCancel(ctx)
	e.pollStop = cancel
	e.pollDone = make(chan struct{})
	go e.runReconciliation(pollCtx)
	return nil
}

func (e *LiveEngine) stop() error {
	if e.pollStop != nil {
		e.pollStop()
		<-e.pollDone
	}
	return nil
}

// submit places the order, retrying transient failures up to MaxRetries
// times with exponential backoff through the circuit breaker. The client
// order id is signal_id + ":" + attempt (spec.md §4.6); attempt starts at
// 0 and increments on each retry — matching the ClientOrderID buildOrder
// already seeded at ":0".
func (e *LiveEngine) submit(ctx context.Context, o *domain.Order) {
	tracker := &liveOrderTracker{order: o}
	e.mu.Lock()
	e.tracking[o.OrderID] = tracker
	e.mu.Unlock()

	// o.ClientOrderID was seeded by buildOrder as "signal_id:0"; each retry
	// re-derives "signal_id:attempt" (spec.md §4.6) from that same base.
	base := strings.TrimSuffix(o.ClientOrderID, ":0")

	backoff := e.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		tracker.attempt = attempt
		clientOrderID := fmt.Sprintf("%s:%d", base, attempt)

		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.exchange.PlaceOrder(ctx, ExchangeOrderRequest{
				ClientOrderID: clientOrderID,
				Symbol:        o.Symbol,
				Side:          o.Side,
				Type:          o.Type,
				Quantity:      o.Remaining(),
				Price:         o.Price,
			})
		})
		if err == nil {
			ack := result.(ExchangeOrderAck)
			e.mu.Lock()
			tracker.exchangeOrderID = ack.ExchangeOrderID
			e.mu.Unlock()
			return
		}
		lastErr = err
		if attempt == e.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	e.logger.Error("live order placement exhausted retries", zap.String("order_id", o.OrderID), zap.Error(lastErr))
	e.mgr.terminate(ctx, o.OrderID, domain.OrderRejected, time.Now())
	e.mu.Lock()
	delete(e.tracking, o.OrderID)
	e.mu.Unlock()
}

func (e *LiveEngine) cancel(ctx context.Context, o *domain.Order) error {
	e.mu.Lock()
	tracker, found := e.tracking[o.OrderID]
	e.mu.Unlock()
	if !found || tracker.exchangeOrderID == "" {
		return fmt.Errorf("no exchange order id known for %s", o.OrderID)
	}
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.exchange.CancelOrder(ctx, tracker.exchangeOrderID)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.tracking, o.OrderID)
	e.mu.Unlock()
	return nil
}

func (e *LiveEngine) runReconciliation(ctx context.Context) {
	defer close(e.pollDone)
	ticker := time.NewTicker(e.cfg.ReconcilePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileAll(ctx)
		}
	}
}

func (e *LiveEngine) reconcileAll(ctx context.Context) {
	e.mu.Lock()
	trackers := make([]*liveOrderTracker, 0, len(e.tracking))
	for _, t := range e.tracking {
		if t.exchangeOrderID != "" {
			trackers = append(trackers, t)
		}
	}
	e.mu.Unlock()

	for _, t := range trackers {
		result, err := e.breaker.Execute(func() (interface{}, error) {
			return e.exchange.OrderStatus(ctx, t.exchangeOrderID)
		})
		if err != nil {
			e.logger.Warn("reconciliation poll failed", zap.String("order_id", t.order.OrderID), zap.Error(err))
			continue
		}
		status := result.(ExchangeOrderStatus)
		now := time.Now()

		if status.FilledQuantity > t.order.FilledQuantity {
			delta := status.FilledQuantity - t.order.FilledQuantity
			e.mgr.recordFill(ctx, t.order.OrderID, delta, status.AvgFillPrice, now)
		}
		if status.Status.IsTerminal() && status.Status != domain.OrderFilled {
			e.mgr.terminate(ctx, t.order.OrderID, status.Status, now)
			e.mu.Lock()
			delete(e.tracking, t.order.OrderID)
			e.mu.Unlock()
		} else if status.Status == domain.OrderFilled {
			e.mu.Lock()
			delete(e.tracking, t.order.OrderID)
			e.mu.Unlock()
		}
	}
}
