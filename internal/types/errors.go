package types

import "errors"

// Sentinel errors for the execution core.
var (
	// Connection errors
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Contract errors
	ErrInvalidContract = errors.New("invalid contract specification")
	ErrUnknownSymbol   = errors.New("unknown symbol")

	// Signal errors
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrStaleSignal       = errors.New("stale signal")
	ErrLowConfidence     = errors.New("signal confidence below floor")
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// Order errors
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrSubmissionTimeout = errors.New("order submission timeout")
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrDuplicateFill     = errors.New("duplicate fill")
	ErrInvalidOrderSize  = errors.New("invalid order size")
	ErrExceedsTarget     = errors.New("order would exceed intent target quantity")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
