package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// StrategyKind tags a standard multi-leg option strategy.
type StrategyKind string

const (
	StrategyCoveredCall   StrategyKind = "covered_call"
	StrategyProtectivePut StrategyKind = "protective_put"
	StrategyVertical      StrategyKind = "vertical_spread"
	StrategyStraddle      StrategyKind = "straddle"
	StrategyStrangle      StrategyKind = "strangle"
	StrategyIronCondor    StrategyKind = "iron_condor"
)

// Leg is one side of a strategy: a contract, the direction to trade it,
// and the number of units per strategy unit.
type Leg struct {
	Contract contract.Contract
	Side     types.Side
	Ratio    int
}

// StrategyParams carries the strikes and expiry for a leg build. Only
// the fields the chosen strategy needs are read; strikes are interpreted
// lowest-first where more than one applies.
type StrategyParams struct {
	Symbol string
	Expiry string         // YYYYMMDD
	Right  contract.Right // vertical spreads only
	// Strikes, lowest first. Straddle uses one, vertical and strangle
	// two, iron condor four.
	Strikes []decimal.Decimal
}

type legBuilder func(*contract.Resolver, StrategyParams) ([]Leg, error)

var legBuilders = map[StrategyKind]legBuilder{
	StrategyCoveredCall:   buildCoveredCall,
	StrategyProtectivePut: buildProtectivePut,
	StrategyVertical:      buildVertical,
	StrategyStraddle:      buildStraddle,
	StrategyStrangle:      buildStrangle,
	StrategyIronCondor:    buildIronCondor,
}

// BuildLegs expands a strategy into its legs. Pure with respect to the
// parameters: identical inputs yield identical legs.
func BuildLegs(r *contract.Resolver, kind StrategyKind, params StrategyParams) ([]Leg, error) {
	build, ok := legBuilders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrInvalidContract, kind)
	}
	return build(r, params)
}

func requireStrikes(params StrategyParams, n int, kind StrategyKind) error {
	if len(params.Strikes) != n {
		return fmt.Errorf("%w: %s needs %d strikes, got %d", types.ErrInvalidContract, kind, n, len(params.Strikes))
	}
	for i := 1; i < n; i++ {
		if !params.Strikes[i].GreaterThan(params.Strikes[i-1]) {
			return fmt.Errorf("%w: %s strikes must be strictly ascending", types.ErrInvalidContract, kind)
		}
	}
	return nil
}

func optionLeg(r *contract.Resolver, params StrategyParams, strike decimal.Decimal, right contract.Right, side types.Side, ratio int) (Leg, error) {
	c, err := r.Resolve(params.Symbol, contract.SecurityOption, contract.Params{
		Expiry: params.Expiry,
		Strike: strike,
		Right:  right,
	})
	if err != nil {
		return Leg{}, err
	}
	return Leg{Contract: c, Side: side, Ratio: ratio}, nil
}

func stockLeg(r *contract.Resolver, params StrategyParams, side types.Side) (Leg, error) {
	c, err := r.Resolve(params.Symbol, contract.SecurityStock, contract.Params{})
	if err != nil {
		return Leg{}, err
	}
	// 100 shares per option contract.
	return Leg{Contract: c, Side: side, Ratio: 100}, nil
}

func buildCoveredCall(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 1, StrategyCoveredCall); err != nil {
		return nil, err
	}
	stock, err := stockLeg(r, params, types.SideBuy)
	if err != nil {
		return nil, err
	}
	call, err := optionLeg(r, params, params.Strikes[0], contract.RightCall, types.SideSell, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{stock, call}, nil
}

func buildProtectivePut(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 1, StrategyProtectivePut); err != nil {
		return nil, err
	}
	stock, err := stockLeg(r, params, types.SideBuy)
	if err != nil {
		return nil, err
	}
	put, err := optionLeg(r, params, params.Strikes[0], contract.RightPut, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{stock, put}, nil
}

func buildVertical(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 2, StrategyVertical); err != nil {
		return nil, err
	}
	if params.Right != contract.RightCall && params.Right != contract.RightPut {
		return nil, fmt.Errorf("%w: vertical spread needs a right", types.ErrInvalidContract)
	}
	long, err := optionLeg(r, params, params.Strikes[0], params.Right, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	short, err := optionLeg(r, params, params.Strikes[1], params.Right, types.SideSell, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{long, short}, nil
}

func buildStraddle(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 1, StrategyStraddle); err != nil {
		return nil, err
	}
	call, err := optionLeg(r, params, params.Strikes[0], contract.RightCall, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	put, err := optionLeg(r, params, params.Strikes[0], contract.RightPut, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{call, put}, nil
}

func buildStrangle(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 2, StrategyStrangle); err != nil {
		return nil, err
	}
	put, err := optionLeg(r, params, params.Strikes[0], contract.RightPut, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	call, err := optionLeg(r, params, params.Strikes[1], contract.RightCall, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{put, call}, nil
}

func buildIronCondor(r *contract.Resolver, params StrategyParams) ([]Leg, error) {
	if err := requireStrikes(params, 4, StrategyIronCondor); err != nil {
		return nil, err
	}
	longPut, err := optionLeg(r, params, params.Strikes[0], contract.RightPut, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	shortPut, err := optionLeg(r, params, params.Strikes[1], contract.RightPut, types.SideSell, 1)
	if err != nil {
		return nil, err
	}
	shortCall, err := optionLeg(r, params, params.Strikes[2], contract.RightCall, types.SideSell, 1)
	if err != nil {
		return nil, err
	}
	longCall, err := optionLeg(r, params, params.Strikes[3], contract.RightCall, types.SideBuy, 1)
	if err != nil {
		return nil, err
	}
	return []Leg{longPut, shortPut, shortCall, longCall}, nil
}
