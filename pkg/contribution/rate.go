package contribution

import (
	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/shopspring/decimal"
)

// RateScale is re-exported for callers that only deal with contributions.
const RateScale = progressive.RateScale

var (
	hundred      = decimal.NewFromInt(100)
	scale        = decimal.NewFromInt(RateScale)
	percentScale = scale.Div(hundred)
)

// ParseRate converts a decimal percent ("5", "0.25") to a scaled rate.
// Negative values, values above 100% and precision finer than 1/RateScale
// are rejected.
func ParseRate(percent string) (int64, error) {
	if percent == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrConfiguration, "invalid rate")
	}
	if d.IsNegative() {
		return 0, apperrors.Newf(apperrors.ErrConfiguration, "negative rate", "rate %s", percent)
	}
	if d.GreaterThan(hundred) {
		return 0, apperrors.Newf(apperrors.ErrConfiguration, "rate above 100%", "rate %s", percent)
	}
	scaled := d.Mul(percentScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, apperrors.Newf(apperrors.ErrConfiguration, "rate precision too fine", "rate %s", percent)
	}
	return scaled.IntPart(), nil
}

// FormatRate renders a scaled rate as a percent string.
func FormatRate(rate int64) string {
	return decimal.NewFromInt(rate).Div(percentScale).String()
}

// split applies rate to base and adds the carried residual, returning the
// whole millicents and the new residual. It never overflows for any base
// that fits in int64 because the product is formed in two parts.
func split(base, rate, carry int64) (delta, residual int64) {
	if base <= 0 || rate <= 0 {
		return carry / RateScale, carry % RateScale
	}
	whole, part := base/RateScale, base%RateScale
	rest := part*rate + carry
	return whole*rate + rest/RateScale, rest % RateScale
}
