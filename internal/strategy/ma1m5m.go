package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"qbtrade/internal/domain/models"
	"qbtrade/pkg/config"
	"qbtrade/pkg/util"
)

// MA1M5M compares each 1-minute close against the 5-minute moving average
// of 1-minute closes. Above the average opens a position, at or below it
// closes one, and at session close any held position is force-liquidated
// with a market order.
type MA1M5M struct {
	maPeriod     int
	scale        decimal.Decimal // divergence that maps to full confidence
	sessionClose config.SessionTime
	forcedExit   bool
	minTurnover  decimal.Decimal
	now          func() time.Time

	state map[string]*maState
}

type maState struct {
	holding    bool
	entryPrice decimal.Decimal
	entryTS    time.Time
}

// NewMA1M5M builds the strategy from raw parameters. It satisfies Factory.
func NewMA1M5M(params map[string]string) (Strategy, error) {
	s := &MA1M5M{
		maPeriod:     5,
		scale:        decimal.NewFromFloat(0.01),
		sessionClose: config.SessionTime{Hour: 15, Minute: 20},
		forcedExit:   true,
		minTurnover:  decimal.Zero,
		now:          time.Now,
		state:        make(map[string]*maState),
	}
	if v, ok := params["ma_period"]; ok {
		if _, err := fmt.Sscanf(v, "%d", &s.maPeriod); err != nil || s.maPeriod <= 0 {
			return nil, fmt.Errorf("ma_1m5m: invalid ma_period %q", v)
		}
	}
	if v, ok := params["confidence_scale"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil || d.Sign() <= 0 {
			return nil, fmt.Errorf("ma_1m5m: invalid confidence_scale %q", v)
		}
		s.scale = d
	}
	if v, ok := params["session_close_time"]; ok {
		st, err := config.ParseSessionTime(v)
		if err != nil {
			return nil, fmt.Errorf("ma_1m5m: %w", err)
		}
		s.sessionClose = st
	}
	if v, ok := params["enable_forced_exit"]; ok {
		s.forcedExit = v != "false"
	}
	if v, ok := params["min_turnover"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("ma_1m5m: invalid min_turnover %q", v)
		}
		s.minTurnover = d
	}
	return s, nil
}

func (s *MA1M5M) Name() string { return "ma_1m5m" }

func (s *MA1M5M) RequiredIndicators() []string {
	return []string{fmt.Sprintf("sma_%d", s.maPeriod)}
}

func (s *MA1M5M) ParameterSchema() map[string]ParamSpec {
	return map[string]ParamSpec{
		"ma_period": {
			Type: "int", Default: "5", Min: "2", Max: "60",
			Desc: "moving average window in 1m candles",
		},
		"confidence_scale": {
			Type: "decimal", Default: "0.01", Min: "0.0001", Max: "1",
			Desc: "price divergence ratio mapped to confidence 1.0",
		},
		"session_close_time": {
			Type: "time", Default: "15:20",
			Desc: "KST time for forced liquidation",
		},
		"enable_forced_exit": {
			Type: "bool", Default: "true",
			Desc: "liquidate held positions at session close",
		},
		"min_turnover": {
			Type: "decimal", Default: "0",
			Desc: "skip symbols whose 5-day turnover is below this floor (0 disables)",
		},
	}
}

func (s *MA1M5M) OnStart(context.Context) error { return nil }

func (s *MA1M5M) OnStop(context.Context) error {
	s.state = make(map[string]*maState)
	return nil
}

func (s *MA1M5M) Analyze(_ context.Context, snap *models.IndicatorSnapshot) (*models.TradingSignal, error) {
	if snap.Interval != models.Interval1m {
		return nil, nil
	}
	st, ok := s.state[snap.Symbol]
	if !ok {
		st = &maState{}
		s.state[snap.Symbol] = st
	}

	price := snap.Candle.Close
	now := s.now()

	// forced exit first so a held position always leaves before the bell
	if s.forcedExit && st.holding && util.AtOrAfterSessionTime(now, s.sessionClose.Hour, s.sessionClose.Minute) {
		st.holding = false
		entry := st.entryPrice
		st.entryPrice = decimal.Zero
		return &models.TradingSignal{
			StrategyName:   s.Name(),
			Symbol:         snap.Symbol,
			Action:         models.ActionHoldExit,
			Confidence:     decimal.NewFromInt(1),
			SuggestedPrice: price,
			Reason:         "session close liquidation",
			TS:             now.UTC(),
			Metadata:       map[string]string{"entry_price": entry.String()},
		}, nil
	}

	ma, ok := snap.Value(fmt.Sprintf("sma_%d", s.maPeriod))
	if !ok || ma.IsZero() {
		return nil, nil
	}

	if s.minTurnover.Sign() > 0 {
		if turnover, ok := snap.Value("turnover_5d"); ok && turnover.LessThan(s.minTurnover) {
			return nil, nil
		}
	}

	divergence := price.Sub(ma).Div(ma)

	switch {
	case price.GreaterThan(ma) && !st.holding:
		st.holding = true
		st.entryPrice = price
		st.entryTS = now
		return &models.TradingSignal{
			StrategyName:   s.Name(),
			Symbol:         snap.Symbol,
			Action:         models.ActionBuy,
			Confidence:     clampConfidence(divergence.Div(s.scale)),
			SuggestedPrice: price,
			Reason:         fmt.Sprintf("close %s above sma_%d %s", price, s.maPeriod, ma),
			TS:             now.UTC(),
		}, nil

	case !price.GreaterThan(ma) && st.holding:
		st.holding = false
		entry := st.entryPrice
		st.entryPrice = decimal.Zero
		return &models.TradingSignal{
			StrategyName:   s.Name(),
			Symbol:         snap.Symbol,
			Action:         models.ActionSell,
			Confidence:     clampConfidence(divergence.Neg().Div(s.scale)),
			SuggestedPrice: price,
			Reason:         fmt.Sprintf("close %s at or below sma_%d %s", price, s.maPeriod, ma),
			TS:             now.UTC(),
			Metadata:       map[string]string{"entry_price": entry.String()},
		}, nil
	}
	return nil, nil
}

// Holding reports the per-symbol holding flag, for tests.
func (s *MA1M5M) Holding(symbol string) bool {
	st, ok := s.state[symbol]
	return ok && st.holding
}

func clampConfidence(v decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if v.Sign() < 0 {
		return decimal.Zero
	}
	if v.GreaterThan(one) {
		return one
	}
	return v
}
