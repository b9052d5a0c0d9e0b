// Package bridge implements the Event Bridge (C8) of spec.md §4.8: a
// WebSocket hub that translates the internal event-bus whitelist into the
// stable wire protocol of spec.md §6.1.
//
// Grounded on internal/ws/hub.go (register/unregister/broadcast shape) and
// internal/transport/websocket/client.go (ReadPump/WritePump, ping/pong,
// write deadlines), with internal/transport/websocket/market_data.go's
// per-symbol throttle contributing the market_data sampling window.
package bridge

import (
	"encoding/json"
	"time"
)

// ClientMessage is what a client sends: {"type":"subscribe"|"unsubscribe"|"ping","topics":[...]}.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// outbound message types (spec.md §6.1's type column).
const (
	TypeStatus           = "status"
	TypeSessionStatus    = "session_status"
	TypeMarketData       = "market_data"
	TypeIndicatorUpdated = "indicator_updated"
	TypeSignal           = "signal"
	TypeOrderCreated     = "order_created"
	TypeOrderUpdated     = "order_updated"
	TypePositionUpdated  = "position_updated"
	TypePositionClosed   = "position_closed"
	TypeRiskAlert        = "risk_alert"
)

// outboundMessage is the envelope every server push is wrapped in.
type outboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outboundMessage{Type: msgType, Data: data})
}

// StatusPayload backs the "status" message (spec.md §6.1).
type StatusPayload struct {
	Status    string    `json:"status"` // "connected" | "pong"
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatusPayload backs "session_status".
type SessionStatusPayload struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Symbols   []string  `json:"symbols"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketDataPayload backs "market_data".
type MarketDataPayload struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// IndicatorUpdatedPayload backs "indicator_updated".
type IndicatorUpdatedPayload struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	VariantID string    `json:"variant_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalPayload backs "signal".
type SignalPayload struct {
	SignalID   string    `json:"signal_id"`
	SessionID  string    `json:"session_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskAlertPayload backs "risk_alert".
type RiskAlertPayload struct {
	Severity   string    `json:"severity"` // WARNING | CRITICAL
	Message    string    `json:"message"`
	RelatedIDs []string  `json:"related_ids,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// indicatorSubscriptionKey is the granularity spec.md §4.8 filters
// indicator.updated deliveries by: "filtered by UI subscriptions".
func indicatorSubscriptionKey(symbol, variantID string) string {
	return "indicator.updated:" + symbol + ":" + variantID
}
