package bus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// unhealthyThreshold and unhealthyWindow implement spec.md §4.1: "Three
// consecutive errors within 30s mark the subscription unhealthy".
const (
	unhealthyThreshold = 3
	unhealthyWindow    = 30 * time.Second
)

// Subscription is the handle returned by Bus.Subscribe.
type Subscription struct {
	id              string
	topic           string
	handler         Handler
	queue           chan Envelope
	tradingCritical bool
	done            chan struct{}
	bus             *Bus

	consecutiveErrors int
	firstErrorAt      time.Time
}

// ID identifies the subscription for logging and metrics.
func (s *Subscription) ID() string { return s.id }

// run is the subscription's dedicated consumer task: it drains queue in
// FIFO order until the channel is closed, so handler invocations for this
// subscriber are strictly ordered regardless of publisher concurrency.
func (s *Subscription) run() {
	defer close(s.done)
	for env := range s.queue {
		s.deliver(env)
	}
}

func (s *Subscription) deliver(env Envelope) {
	err := s.handler(context.Background(), env)
	if err != nil {
		s.recordError(env, err)
		return
	}
	s.recordSuccess()
}

func (s *Subscription) recordError(env Envelope, err error) {
	s.bus.logger.Error("event bus handler error",
		zap.String("topic", env.Topic),
		zap.String("event_id", env.ID),
		zap.String("subscription", s.id),
		zap.Error(err))
	s.bus.sink.BusHandlerErrs.WithLabelValues(env.Topic, s.id).Inc()

	now := time.Now()
	if s.consecutiveErrors == 0 || now.Sub(s.firstErrorAt) > unhealthyWindow {
		s.firstErrorAt = now
		s.consecutiveErrors = 0
	}
	s.consecutiveErrors++
	if s.consecutiveErrors >= unhealthyThreshold {
		s.bus.health.markUnhealthy(s.id, s.topic)
	}
}

func (s *Subscription) recordSuccess() {
	if s.consecutiveErrors != 0 {
		s.consecutiveErrors = 0
		s.bus.health.markHealthy(s.id)
	}
}
