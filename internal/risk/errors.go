package risk

import "errors"

// Reason identifies why an operation was rejected. The string value is the
// stable code exposed to API clients.
type Reason string

const (
	ReasonInvalidAmount          Reason = "INVALID_AMOUNT"
	ReasonInsufficientCollateral Reason = "INSUFFICIENT_COLLATERAL"
	ReasonInsufficientBalance    Reason = "INSUFFICIENT_BALANCE"
	ReasonPositionAtRisk         Reason = "POSITION_AT_RISK"
	ReasonNoOutstandingDebt      Reason = "NO_OUTSTANDING_DEBT"
)

var reasonMessages = map[Reason]string{
	ReasonInvalidAmount:          "amount must be positive",
	ReasonInsufficientCollateral: "insufficient collateral",
	ReasonInsufficientBalance:    "insufficient token balance",
	ReasonPositionAtRisk:         "withdrawal would put position at risk",
	ReasonNoOutstandingDebt:      "no outstanding debt to repay",
}

// Message returns the user-facing description of the reason.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// Rejection is returned when a well-formed request is refused by the risk
// rules. Rejections are an expected outcome, not a failure of the engine.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return "risk: " + r.Reason.Message()
}

var (
	ErrInvalidAmount          = &Rejection{Reason: ReasonInvalidAmount}
	ErrInsufficientCollateral = &Rejection{Reason: ReasonInsufficientCollateral}
	ErrPositionAtRisk         = &Rejection{Reason: ReasonPositionAtRisk}
	ErrNoOutstandingDebt      = &Rejection{Reason: ReasonNoOutstandingDebt}

	// ErrInsufficientBalance is never produced by the engine itself. Callers
	// that hold the spendable balance return it before invoking Repay.
	ErrInsufficientBalance = &Rejection{Reason: ReasonInsufficientBalance}
)

var (
	// ErrInvalidOraclePrice is a configuration error: the caller supplied a
	// snapshot whose price is zero or negative.
	ErrInvalidOraclePrice = errors.New("risk: oracle price must be positive")

	// ErrInvalidThreshold is returned when the liquidation threshold is
	// outside (0, 100].
	ErrInvalidThreshold = errors.New("risk: liquidation threshold must be in (0, 100]")

	// ErrUnknownOperation is returned by Apply for an unrecognised kind.
	ErrUnknownOperation = errors.New("risk: unknown operation kind")

	// ErrInvalidPosition is returned when a snapshot carries negative balances.
	ErrInvalidPosition = errors.New("risk: position balances must be non-negative")
)

// ReasonOf extracts the rejection reason from err. The second return value is
// false when err is not a Rejection.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
