package domain

// CancelOrderRequest is published on "order.cancel_requested" when a
// strategy instance's emergency_exit action set includes cancelPending
// (spec.md §3's emergency action set).
type CancelOrderRequest struct {
	OrderID   string
	SessionID string
	Reason    string
}

// ClosePositionRequest is published on "emergency.close_position"
// (spec.md §4.6): the Order Manager reacts by creating a market order in
// the opposite direction of the position for its full quantity.
type ClosePositionRequest struct {
	PositionID string
	SessionID  string
	Symbol     string
	Reason     string
}
