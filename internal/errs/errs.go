// Package errs defines the error kinds shared by every component above the
// exchange boundary. Exchange-specific codes never escape the gateway; they
// are translated into one of these kinds first.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindConfig                 Kind = "config_error"
	KindGatewayUnavailable     Kind = "gateway_unavailable"
	KindRejectedByExchange     Kind = "rejected_by_exchange"
	KindRiskRejected           Kind = "risk_rejected"
	KindReconciliationMismatch Kind = "reconciliation_mismatch"
	KindStrategyFault          Kind = "strategy_fault"
)

// Sentinels usable with errors.Is.
var (
	ConfigError            = &Error{Kind: KindConfig}
	GatewayUnavailable     = &Error{Kind: KindGatewayUnavailable}
	RejectedByExchange     = &Error{Kind: KindRejectedByExchange}
	RiskRejected           = &Error{Kind: KindRiskRejected}
	ReconciliationMismatch = &Error{Kind: KindReconciliationMismatch}
	StrategyFault          = &Error{Kind: KindStrategyFault}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// Ambiguous marks a gateway failure whose side effect on the exchange is
	// unknown (e.g. a timeout after an order was written).
	Ambiguous bool
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of Op/Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config is shorthand for a formatted ConfigError.
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAmbiguous reports whether err carries an unknown-outcome gateway failure.
func IsAmbiguous(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Ambiguous
	}
	return false
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return errors.Is(err, ConfigError)
}
