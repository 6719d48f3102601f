/*
Package generic provides the primitives shared by the commission engine.

PURPOSE:
  Money, identifiers, calendar dates and errors used by every other
  package. Nothing in here knows about plans, schedules or wallets.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An integer quantity of the smallest currency unit
  - Unit:   Which smallest unit an Amount counts
  - IDs:    Type-safe identifiers for users, records, entries, plans

DESIGN PRINCIPLES:
  1. Integer money: persisted amounts are int64 minor units, never floats
  2. Precision: display and ratio math goes through decimal.Decimal
  3. Type Safety: strong typing for IDs prevents mixing record/entry IDs

USAGE:
  total := generic.NewAmount(1000, generic.UnitCents)   // $10.00
  fmt.Println(total.Decimal())                          // 10
  fmt.Println(total.Add(generic.NewAmount(5, generic.UnitCents)))

SEE ALSO:
  - time.go: Calendar dates and clocks
  - errors.go: Sentinel and structured errors
*/
package generic

import "github.com/shopspring/decimal"

// =============================================================================
// AMOUNT - Integer count of the smallest currency unit
// =============================================================================

type Amount struct {
	Units int64
	Unit  Unit
}

type Unit string

const UnitCents Unit = "cents" // 1/100 of a currency unit

// Exponent returns the power of ten that converts one unit into a whole
// display amount (cents → -2).
func (u Unit) Exponent() int32 {
	switch u {
	case UnitCents:
		return -2
	default:
		return 0
	}
}

func NewAmount(units int64, unit Unit) Amount {
	return Amount{Units: units, Unit: unit}
}

func (a Amount) Add(b Amount) Amount { return Amount{Units: a.Units + b.Units, Unit: a.Unit} }
func (a Amount) IsPositive() bool    { return a.Units > 0 }
func (a Amount) IsZero() bool        { return a.Units == 0 }

// Decimal returns the amount in whole display units (1050 cents → 10.5).
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.Units, a.Unit.Exponent())
}

// String renders the display value with the unit's precision ("10.50").
func (a Amount) String() string {
	return a.Decimal().StringFixed(-a.Unit.Exponent())
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type RecordID string
type EntryID string
type PlanID string
type TransactionID string
