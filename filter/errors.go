package filter

import (
	"errors"
	"fmt"
)

var (
	ErrPercentPriceViolation = errors.New("percent price violation")
	ErrMinNotionalViolation  = errors.New("min notional violation")
	ErrOutOfBounds           = errors.New("out of bounds")
)

// Rejection 规范化拒绝，对本次意图是终态，不会自动重试
type Rejection struct {
	Kind   error
	Symbol string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s %s: %s", r.Symbol, r.Kind, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

// Reason 拒绝原因的短名称，用作指标标签
func (r *Rejection) Reason() string {
	switch r.Kind {
	case ErrPercentPriceViolation:
		return "percent_price"
	case ErrMinNotionalViolation:
		return "min_notional"
	default:
		return "out_of_bounds"
	}
}

func reject(kind error, symbol, format string, args ...interface{}) *Rejection {
	return &Rejection{Kind: kind, Symbol: symbol, Detail: fmt.Sprintf(format, args...)}
}
