// Package pricing implements closed-form Black-Scholes pricing for European
// options and the time-decay helpers used to simulate days forward.
//
// Math is done in float64; callers convert to decimal at the boundary.
package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"
)

const (
	// RiskFreeRate is the fixed annual risk-free rate.
	RiskFreeRate = 0.05

	// DefaultVolatility is used when market data carries no implied volatility.
	DefaultVolatility = 0.30

	// MinPrice is the lowest theoretical price returned.
	MinPrice = 0.01

	// MinDays keeps t strictly positive as expiry approaches.
	MinDays = 0.001

	// FallbackDays is used when the expiry is unknown or already passed.
	FallbackDays = 30.0

	daysPerYear = 365.0
)

// Zelen-Severo coefficients (Abramowitz & Stegun 26.2.17).
const (
	cdfP       = 0.2316419
	cdfB1      = 0.319381530
	cdfB2      = -0.356563782
	cdfB3      = 1.781477937
	cdfB4      = -1.821255978
	cdfB5      = 1.330274429
	invSqrt2Pi = 0.3989422804014327
)

// NormCDF approximates the standard normal cumulative distribution.
// Absolute error is below 7.5e-8.
func NormCDF(x float64) float64 {
	t := 1 / (1 + cdfP*math.Abs(x))
	pdf := invSqrt2Pi * math.Exp(-x*x/2)
	tail := pdf * t * (cdfB1 + t*(cdfB2+t*(cdfB3+t*(cdfB4+t*cdfB5))))
	if x > 0 {
		return 1 - tail
	}
	return tail
}

// BlackScholes returns the European option price for the given kind
// ("call" or "put"). t is in years, r and v are annualized.
// Degenerate inputs return intrinsic value.
func BlackScholes(spot, strike, t, r, v float64, kind string) float64 {
	if spot <= 0 || strike <= 0 || t <= 0 || v <= 0 {
		return intrinsic(spot, strike, kind)
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r+v*v/2)*t) / (v * sqrtT)
	d2 := d1 - v*sqrtT
	discount := strike * math.Exp(-r*t)

	if kind == model.TypePut {
		return discount*NormCDF(-d2) - spot*NormCDF(-d1)
	}
	return spot*NormCDF(d1) - discount*NormCDF(d2)
}

func intrinsic(spot, strike float64, kind string) float64 {
	if kind == model.TypePut {
		return math.Max(strike-spot, 0)
	}
	return math.Max(spot-strike, 0)
}

// DaysToExpiry returns the fractional days between now and expiry.
func DaysToExpiry(expiry, now time.Time) float64 {
	return expiry.Sub(now).Hours() / 24
}

// YearsToExpiry converts an expiry into the t parameter of the pricer after
// subtracting daysForward of simulated time.
func YearsToExpiry(expiry, now time.Time, daysForward float64) float64 {
	days := DaysToExpiry(expiry, now)
	if expiry.IsZero() || math.IsNaN(days) || days <= 0 {
		days = FallbackDays
	}
	days = math.Max(MinDays, days-daysForward)
	return days / daysPerYear
}

// Input holds the market parameters for a theoretical price.
type Input struct {
	Spot              decimal.Decimal
	Strike            decimal.Decimal
	Expiry            time.Time
	ImpliedVolatility float64
	Kind              string
	DaysForward       float64
}

// TheoreticalPrice prices in using the fixed risk-free rate, falling back to
// DefaultVolatility, and floors the result at MinPrice.
func TheoreticalPrice(in Input, now time.Time) decimal.Decimal {
	v := in.ImpliedVolatility
	if v <= 0 || math.IsNaN(v) {
		v = DefaultVolatility
	}
	t := YearsToExpiry(in.Expiry, now, in.DaysForward)
	price := BlackScholes(in.Spot.InexactFloat64(), in.Strike.InexactFloat64(), t, RiskFreeRate, v, in.Kind)
	if math.IsNaN(price) || price < MinPrice {
		price = MinPrice
	}
	return decimal.NewFromFloat(price).Round(4)
}
