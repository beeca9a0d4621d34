package trade

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder          = errors.New("trade: invalid order")
	ErrMarketDataUnavailable = errors.New("trade: market data unavailable")
	ErrContractNotFound      = errors.New("trade: option contract not found in market data")
	ErrPriceDriftExceeded    = errors.New("trade: market price moved")
	ErrInsufficientFunds     = errors.New("trade: insufficient funds")
	ErrPositionNotFound      = errors.New("trade: position not found")
	ErrAccountNotFound       = errors.New("trade: account not found")
	ErrStoreTransaction      = errors.New("trade: store transaction failed")
)

// PriceDriftError reports a requested price too far from the market.
// errors.Is(err, ErrPriceDriftExceeded) holds for it.
type PriceDriftError struct {
	Requested decimal.Decimal
	Reference decimal.Decimal
}

func (e *PriceDriftError) Error() string {
	return fmt.Sprintf("market price moved: current market is ~$%s, your price: $%s",
		e.Reference.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *PriceDriftError) Is(target error) bool {
	return target == ErrPriceDriftExceeded
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}
