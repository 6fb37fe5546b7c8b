package license

import "time"

// DefaultDiscountThreshold is the number of prepaid cycles at which the
// product's duration discount starts to apply.
const DefaultDiscountThreshold = 6

// TermInput describes one purchase or renewal.
type TermInput struct {
	Cycle             Cycle
	PrepaidCycles     int
	DiscountPercent   int
	DiscountThreshold int
	GracePeriodDays   int
}

// Term is the computed validity window and price of a purchase.
type Term struct {
	Start           time.Time
	Expiry          time.Time
	GraceUntil      time.Time
	Cycles          int
	GrossCents      int64
	DiscountCents   int64
	PriceCents      int64
	DiscountApplied bool
}

// Calculate computes expiry, grace end and price for a purchase made at now.
// The term always starts at now; renewals never stack onto a previous expiry.
// Month and year lengths follow the calendar of now's location.
func Calculate(now time.Time, in TermInput) Term {
	cycle, _ := in.Cycle.Normalize()
	cycles := in.PrepaidCycles
	if cycles < 1 {
		cycles = 1
	}
	graceDays := in.GracePeriodDays
	if graceDays < 0 {
		graceDays = 0
	}

	expiry := addCycles(now, cycle.Unit, cycle.Length*cycles)
	gross, discount := DiscountedPrice(cycle.PriceCents, cycles, in.DiscountPercent, in.DiscountThreshold)

	return Term{
		Start:           now,
		Expiry:          expiry,
		GraceUntil:      expiry.AddDate(0, 0, graceDays),
		Cycles:          cycles,
		GrossCents:      gross,
		DiscountCents:   discount,
		PriceCents:      gross - discount,
		DiscountApplied: discount > 0,
	}
}

// DiscountedPrice returns the undiscounted total for cycles and the discount
// that applies to it. The discount is rounded half-up to whole cents and only
// applies once cycles reaches threshold (DefaultDiscountThreshold when <= 0).
func DiscountedPrice(unitCents int64, cycles, percent, threshold int) (gross, discount int64) {
	if cycles < 1 {
		cycles = 1
	}
	if threshold <= 0 {
		threshold = DefaultDiscountThreshold
	}
	gross = unitCents * int64(cycles)
	if percent <= 0 || cycles < threshold || gross <= 0 {
		return gross, 0
	}
	if percent > 100 {
		percent = 100
	}
	discount = (gross*int64(percent) + 50) / 100
	return gross, discount
}

func addCycles(t time.Time, unit CycleUnit, n int) time.Time {
	switch unit {
	case CycleDay:
		return t.AddDate(0, 0, n)
	case CycleWeek:
		return t.AddDate(0, 0, 7*n)
	case CycleMonth:
		return t.AddDate(0, n, 0)
	case CycleYear:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
