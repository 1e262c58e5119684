package oracle

import "errors"

var (
	// ErrPriceUnavailable is returned when the price service failed and
	// no cached sample exists to fall back on
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrNoPriceData is returned when the sample cache is empty, which
	// makes any cost calculation impossible
	ErrNoPriceData = errors.New("no price data")
)
