// Package contract handles OCC option symbol parsing and the strike
// tolerance matching used to line up contracts from different sources.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"
)

// StrikeTolerance is the absolute distance under which two strikes are the
// same contract. Strikes from different feeds do not compare exactly equal.
var StrikeTolerance = decimal.NewFromFloat(0.1)

// occRegex matches: {root}{YYMMDD}{C|P}{strike*1000, 8 digits}
// Example: AAPL240119C00150000
var occRegex = regexp.MustCompile(`^([A-Z0-9.]{1,6})(\d{6})([CP])(\d{8})$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid OCC option symbol")
)

// Contract is a parsed OCC option symbol.
type Contract struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Type       string          `json:"type"` // model.TypeCall or model.TypePut
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time       `json:"expiration"`
}

// ParseOCC parses and validates an OCC option symbol.
// Format: {root}{YYMMDD}{C|P}{strike×1000 zero-padded to 8 digits}
func ParseOCC(symbol string) (*Contract, error) {
	m := occRegex.FindStringSubmatch(symbol)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}

	expiry, err := time.Parse("060102", m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, m[2])
	}

	milli, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, m[4])
	}

	kind := model.TypeCall
	if m[3] == "P" {
		kind = model.TypePut
	}

	return &Contract{
		Symbol:     symbol,
		Underlying: m[1],
		Type:       kind,
		Strike:     decimal.New(milli, -3),
		Expiration: expiry,
	}, nil
}

// FormatOCC builds the OCC symbol for the given contract terms.
func FormatOCC(underlying, kind string, strike decimal.Decimal, expiry time.Time) string {
	cp := "C"
	if kind == model.TypePut {
		cp = "P"
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), cp, milli)
}

// StrikeMatches reports whether two strikes are within StrikeTolerance.
func StrikeMatches(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(StrikeTolerance)
}

// FindContract returns the first contract of the given kind in chain whose
// strike matches strike within StrikeTolerance.
func FindContract(chain *model.OptionChain, kind string, strike decimal.Decimal) (*model.OptionContract, bool) {
	if chain == nil {
		return nil, false
	}
	contracts := chain.Contracts(kind)
	for i := range contracts {
		if StrikeMatches(contracts[i].Strike, strike) {
			return &contracts[i], true
		}
	}
	return nil, false
}

// ParseExpiry accepts a calendar date (2006-01-02), an RFC 3339 timestamp,
// or Unix seconds and returns the expiry normalized to midnight UTC.
func ParseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return truncateDay(t), nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return truncateDay(time.Unix(secs, 0)), nil
	}
	return time.Time{}, fmt.Errorf("contract: invalid expiry %q", s)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
