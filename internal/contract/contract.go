// Package contract builds broker-resolvable instrument descriptors from
// logical symbols.
package contract

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SecurityType identifies the instrument class of a contract.
type SecurityType string

const (
	SecurityStock  SecurityType = "STK"
	SecurityOption SecurityType = "OPT"
	SecurityFuture SecurityType = "FUT"
)

// ParseSecurityType accepts both the short broker spelling and the long
// config spelling.
func ParseSecurityType(s string) (SecurityType, bool) {
	switch strings.ToUpper(s) {
	case "STK", "STOCK":
		return SecurityStock, true
	case "OPT", "OPTION":
		return SecurityOption, true
	case "FUT", "FUTURE":
		return SecurityFuture, true
	default:
		return "", false
	}
}

// Right is the option right.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Contract is an immutable broker-resolvable instrument descriptor.
// Expiry is YYYYMMDD for options and YYYYMM or YYYYMMDD for futures.
type Contract struct {
	Symbol       string
	SecurityType SecurityType
	Exchange     string
	Currency     string
	LocalSymbol  string
	Multiplier   int
	Expiry       string
	Strike       decimal.Decimal
	Right        Right
}

// Key returns the cache key for the contract's identifying field tuple.
func (c Contract) Key() string {
	parts := []string{c.Symbol, string(c.SecurityType), c.Exchange, c.Currency, c.Expiry}
	if c.SecurityType == SecurityOption {
		parts = append(parts, c.Strike.String(), string(c.Right))
	}
	return strings.Join(parts, "|")
}

// IsOption reports whether the contract is an option.
func (c Contract) IsOption() bool {
	return c.SecurityType == SecurityOption
}

func (c Contract) String() string {
	switch c.SecurityType {
	case SecurityOption:
		return c.Symbol + " " + c.Expiry + " " + c.Strike.String() + string(c.Right)
	case SecurityFuture:
		return c.Symbol + c.Expiry
	default:
		return c.Symbol
	}
}
