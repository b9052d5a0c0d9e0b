package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/config"
	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/metrics"
)

func testDeps() Deps {
	return Deps{
		Logger: zap.NewNop(),
		Sink:   metrics.New(),
		Engine: config.Default(),
	}
}

func longStrategyConfig(id string) domain.StrategyConfig {
	return domain.StrategyConfig{
		StrategyID: id,
		Direction:  domain.DirectionLong,
		Z1Entry: domain.EntrySection{
			Sizing:   domain.PositionSizing{Type: domain.SizingFixed, Value: 100},
			Leverage: 1,
		},
	}
}

func baseRequest() StartRequest {
	return StartRequest{
		Mode:            domain.ModePaper,
		Symbols:         []string{"BTC-USD"},
		StrategyConfigs: []domain.StrategyConfig{longStrategyConfig("strat-1")},
		Config:          domain.SessionConfig{Budget: domain.BudgetConfig{GlobalCap: 10000}},
	}
}

func TestValidateStartRequestRejectsUnknownMode(t *testing.T) {
	req := baseRequest()
	req.Mode = "bogus"
	require.Error(t, validateStartRequest(req, testDeps()))
}

func TestValidateStartRequestRequiresSymbols(t *testing.T) {
	req := baseRequest()
	req.Symbols = nil
	require.Error(t, validateStartRequest(req, testDeps()))
}

func TestValidateStartRequestRejectsDuplicateStrategyIDs(t *testing.T) {
	req := baseRequest()
	req.StrategyConfigs = []domain.StrategyConfig{longStrategyConfig("strat-1"), longStrategyConfig("strat-1")}
	require.Error(t, validateStartRequest(req, testDeps()))
}

func TestValidateStartRequestRequiresReplaySessionIDForBacktest(t *testing.T) {
	req := baseRequest()
	req.Mode = domain.ModeBacktest
	require.Error(t, validateStartRequest(req, testDeps()))

	req.Config.ReplaySessionID = "prior-session"
	require.NoError(t, validateStartRequest(req, testDeps()))
}

func TestValidateStartRequestRequiresExchangeForLive(t *testing.T) {
	req := baseRequest()
	req.Mode = domain.ModeLive
	require.Error(t, validateStartRequest(req, testDeps()))
}

func TestValidateStartRequestRequiresPositiveBudgetExceptCollect(t *testing.T) {
	req := baseRequest()
	req.Config.Budget.GlobalCap = 0
	require.Error(t, validateStartRequest(req, testDeps()))

	req.Mode = domain.ModeCollect
	require.NoError(t, validateStartRequest(req, testDeps()))
}

func TestNewSessionIDFormat(t *testing.T) {
	id := newSessionID(domain.ModePaper)
	require.Regexp(t, `^paper_\d{8}_\d{6}_[0-9a-f]{8}$`, id)
}

func TestUnionVariantsDedupesByVariantID(t *testing.T) {
	a := longStrategyConfig("strat-1")
	a.IndicatorVariants = []domain.IndicatorVariant{{VariantID: "v1"}, {VariantID: "v2"}}
	b := longStrategyConfig("strat-2")
	b.IndicatorVariants = []domain.IndicatorVariant{{VariantID: "v2"}, {VariantID: "v3"}}

	out := unionVariants([]domain.StrategyConfig{a, b})
	require.Len(t, out, 3)

	ids := make([]string, len(out))
	for i, v := range out {
		ids[i] = v.VariantID
	}
	require.Equal(t, []string{"v1", "v2", "v3"}, ids)
}

func TestStartSessionRejectsWhileRunning(t *testing.T) {
	c := NewController(testDeps())
	c.state = StateRunning
	c.session = domain.Session{SessionID: "existing", Mode: domain.ModePaper, Symbols: []string{"BTC-USD"}}

	_, err := c.StartSession(context.Background(), baseRequest())
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestStartSessionIdempotentMatchReturnsExistingSessionID(t *testing.T) {
	c := NewController(testDeps())
	req := baseRequest()
	existing := domain.Session{
		SessionID:      "existing-session",
		Mode:           req.Mode,
		Symbols:        req.Symbols,
		StrategyConfig: toStrategyMap(req.StrategyConfigs),
	}
	c.state = StateRunning
	c.session = existing

	req.Idempotent = true
	sessionID, err := c.StartSession(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "existing-session", sessionID)
	require.Equal(t, StateRunning, c.Status().ControllerState)
}

func TestStartSessionIdempotentMismatchStillRejects(t *testing.T) {
	c := NewController(testDeps())
	req := baseRequest()
	c.state = StateRunning
	c.session = domain.Session{
		SessionID: "existing-session",
		Mode:      domain.ModeLive, // different mode than req
		Symbols:   req.Symbols,
	}

	req.Idempotent = true
	_, err := c.StartSession(context.Background(), req)
	require.ErrorIs(t, err, ErrSessionExists)
}

func TestStopSessionRejectsWhenNotRunning(t *testing.T) {
	c := NewController(testDeps())
	err := c.StopSession(context.Background())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

// TestStartSessionFailsAndEntersFailedStateOnMarketSourceError exercises a
// real wiring attempt: every sub-component up to the market data source
// constructs successfully against in-memory collaborators, and the
// deliberately invalid NATS URL makes the final "start the market data
// source" step of the sequence fail, driving the controller to FAILED and
// tearing down whatever had already started.
func TestStartSessionFailsAndEntersFailedStateOnMarketSourceError(t *testing.T) {
	deps := testDeps()
	deps.Engine.MarketFeed.NATSURL = "not-a-valid-nats-url"
	c := NewController(deps)

	req := baseRequest()
	req.Mode = domain.ModeCollect // skips strategy/order manager, isolates the failure to market source

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.StartSession(ctx, req)
	require.Error(t, err)
	require.Equal(t, StateFailed, c.Status().ControllerState)
}
