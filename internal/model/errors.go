package model

import "errors"

// Kind groups failures for callers that only care about the category,
// such as the HTTP layer choosing a status code.
type Kind string

const (
	KindNotAuthorized     Kind = "not_authorized"
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindUnsupported       Kind = "unsupported"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindOracle            Kind = "oracle_error"
	KindInternal          Kind = "internal"
)

var (
	ErrNotAuthorized = errors.New("broker: not authorized")

	ErrPoolNotFound   = errors.New("broker: pool not found")
	ErrLockNotActive  = errors.New("broker: lock not active")
	ErrOptionNotFound = errors.New("broker: option not found")

	ErrAlreadyParticipating = errors.New("broker: already participating")
	ErrAlreadyExercised     = errors.New("broker: option already exercised")
	ErrLockNotExpired       = errors.New("broker: lock not expired")
	ErrOptionExpired        = errors.New("broker: option expired")
	ErrNotParticipating     = errors.New("broker: not participating")
	ErrNoEmission           = errors.New("broker: no emission for pool in current epoch")
	ErrBeneficiaryNotSet    = errors.New("broker: payment token beneficiary not set")
	ErrAlreadyInitialized   = errors.New("broker: already initialized")

	ErrPaymentTokenNotSupported = errors.New("broker: payment token not supported")
	ErrNoActivePools            = errors.New("broker: no active pools")

	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")

	ErrOracleUnavailable = errors.New("oracle: price unavailable")

	// ErrLockHeld is returned by distributed locks already owned elsewhere.
	ErrLockHeld = errors.New("lock: already held")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotAuthorized, KindNotAuthorized},
	{ErrPoolNotFound, KindNotFound},
	{ErrLockNotActive, KindNotFound},
	{ErrOptionNotFound, KindNotFound},
	{ErrAlreadyParticipating, KindInvalidState},
	{ErrAlreadyExercised, KindInvalidState},
	{ErrLockNotExpired, KindInvalidState},
	{ErrOptionExpired, KindInvalidState},
	{ErrNotParticipating, KindInvalidState},
	{ErrNoEmission, KindInvalidState},
	{ErrBeneficiaryNotSet, KindInvalidState},
	{ErrAlreadyInitialized, KindInvalidState},
	{ErrPaymentTokenNotSupported, KindUnsupported},
	{ErrNoActivePools, KindUnsupported},
	{ErrInsufficientBalance, KindInsufficientFunds},
	{ErrInsufficientAllowance, KindInsufficientFunds},
	{ErrOracleUnavailable, KindOracle},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
