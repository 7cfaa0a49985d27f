// Package trading provides position amount calculation utilities.
package trading

// fullExitEpsilon treats a remainder below this share of the position as dust
// and folds it into a full exit.
const fullExitEpsilon = 1e-9

// ExitQuantity computes the quantity to close for a sell covering `fraction`
// of the open quantity. The result is capped at the open quantity, and a
// near-total fraction collapses to a full exit so no dust position survives.
func ExitQuantity(openQty, fraction float64) (qty float64, full bool) {
	if openQty <= 0 || fraction <= 0 {
		return 0, false
	}
	if fraction >= 1 {
		return openQty, true
	}
	qty = openQty * fraction
	if qty >= openQty || openQty-qty <= openQty*fullExitEpsilon {
		return openQty, true
	}
	return qty, false
}
