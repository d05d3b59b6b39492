package contract

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/types"
)

// Params carries the per-type fields needed to resolve a contract.
// Zero values fall back to resolver defaults where a default exists.
type Params struct {
	Exchange   string
	Currency   string
	Expiry     string
	Strike     decimal.Decimal
	Right      Right
	Multiplier int
}

// Resolver builds contracts deterministically from a symbol, a security
// type and params. Resolution is side-effect-free; a small cache keyed by
// the contract field tuple avoids repeated allocation for hot symbols.
type Resolver struct {
	defaultExchange string
	defaultCurrency string

	mu    sync.RWMutex
	cache map[string]Contract
}

// NewResolver returns a resolver with the given venue defaults. Empty
// defaults fall back to SMART routing in USD.
func NewResolver(defaultExchange, defaultCurrency string) *Resolver {
	if defaultExchange == "" {
		defaultExchange = "SMART"
	}
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Resolver{
		defaultExchange: defaultExchange,
		defaultCurrency: defaultCurrency,
		cache:           make(map[string]Contract),
	}
}

// Resolve builds the contract for symbol with the given security type.
// Missing required fields for the type surface as ErrInvalidContract.
func (r *Resolver) Resolve(symbol string, secType SecurityType, params Params) (Contract, error) {
	if symbol == "" {
		return Contract{}, fmt.Errorf("%w: empty symbol", types.ErrInvalidContract)
	}

	c := Contract{
		Symbol:       symbol,
		SecurityType: secType,
		Exchange:     params.Exchange,
		Currency:     params.Currency,
		Expiry:       params.Expiry,
		Strike:       params.Strike,
		Right:        params.Right,
		Multiplier:   params.Multiplier,
	}
	if c.Exchange == "" {
		c.Exchange = r.defaultExchange
	}
	if c.Currency == "" {
		c.Currency = r.defaultCurrency
	}

	switch secType {
	case SecurityStock:
		if c.Multiplier == 0 {
			c.Multiplier = 1
		}
	case SecurityOption:
		if err := validateExpiry(c.Expiry, 8); err != nil {
			return Contract{}, fmt.Errorf("%w: option %s: %v", types.ErrInvalidContract, symbol, err)
		}
		if !c.Strike.IsPositive() {
			return Contract{}, fmt.Errorf("%w: option %s: strike must be positive", types.ErrInvalidContract, symbol)
		}
		if c.Right != RightCall && c.Right != RightPut {
			return Contract{}, fmt.Errorf("%w: option %s: right must be C or P", types.ErrInvalidContract, symbol)
		}
		if c.Multiplier == 0 {
			c.Multiplier = 100
		}
	case SecurityFuture:
		if err := validateExpiry(c.Expiry, 6); err != nil {
			return Contract{}, fmt.Errorf("%w: future %s: %v", types.ErrInvalidContract, symbol, err)
		}
		if c.LocalSymbol == "" {
			c.LocalSymbol = symbol + c.Expiry
		}
		if c.Multiplier == 0 {
			c.Multiplier = 1
		}
	default:
		return Contract{}, fmt.Errorf("%w: unsupported security type %q", types.ErrInvalidContract, secType)
	}

	key := c.Key()
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	r.mu.Lock()
	r.cache[key] = c
	r.mu.Unlock()
	return c, nil
}

// CacheSize returns the number of resolved contracts held.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// validateExpiry checks an expiry string of minDigits (6 = YYYYMM,
// 8 = YYYYMMDD). Futures accept either form, options require the full
// date.
func validateExpiry(expiry string, minDigits int) error {
	if expiry == "" {
		return fmt.Errorf("missing expiry")
	}
	n := len(expiry)
	if n != 6 && n != 8 {
		return fmt.Errorf("expiry %q must be YYYYMM or YYYYMMDD", expiry)
	}
	if n < minDigits {
		return fmt.Errorf("expiry %q must be YYYYMMDD", expiry)
	}
	for _, ch := range expiry {
		if ch < '0' || ch > '9' {
			return fmt.Errorf("expiry %q must be numeric", expiry)
		}
	}
	return nil
}
