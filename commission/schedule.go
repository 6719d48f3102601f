/*
schedule.go - Randomized daily payout schedules with an exact sum

ALGORITHM:
  1. Reserve 1 unit for every day, so no installment is ever zero.
  2. Draw one weight per day, uniform in [0.5, 1.5), scaled to an integer
     micro-weight. Floats never touch the persisted amounts.
  3. Split the remaining (total - days) units proportionally to the
     weights, taking the exact floor of each share.
  4. Hand out the leftover units round-robin starting from day 1. The
     leftover is always smaller than days, so each day gets at most one.

  total < days cannot give every day a unit and is rejected with
  ErrInsufficientAmountForDays.

DETERMINISM:
  The RandomSource is injected. The same seed, total, days and start date
  always produce the same schedule.

EXAMPLE:
  specs, err := commission.Generate(
      generic.NewAmount(1000, generic.UnitCents), 10,
      generic.NewDate(2025, time.March, 2),
      commission.NewSeededSource(42),
  )
*/
package commission

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/generic"
)

// MaxScheduleDays matches the admin UI's upper bound.
const MaxScheduleDays = 365

const weightScale = 1_000_000

// RandomSource yields floats in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

// NewSeededSource returns a goroutine-safe RandomSource with a fixed seed.
func NewSeededSource(seed int64) RandomSource {
	return &lockedSource{r: rand.New(rand.NewSource(seed))}
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Generate splits total into days positive installments.
func Generate(total generic.Amount, days int, start generic.Date, rng RandomSource) ([]EntrySpec, error) {
	if !total.IsPositive() {
		return nil, generic.NewScheduleError(generic.ErrInvalidScheduleInput,
			"total_amount", "must be positive, got %d", total.Units)
	}
	if days < 1 || days > MaxScheduleDays {
		return nil, generic.NewScheduleError(generic.ErrInvalidScheduleInput,
			"days", "must be between 1 and %d, got %d", MaxScheduleDays, days)
	}
	if total.Units < int64(days) {
		return nil, generic.NewScheduleError(generic.ErrInsufficientAmountForDays,
			"total_amount", "%d units cannot cover %d days", total.Units, days)
	}
	if start.IsZero() {
		return nil, generic.NewScheduleError(generic.ErrInvalidScheduleInput,
			"start_date", "is required")
	}

	weights := make([]int64, days)
	var weightSum int64
	for i := range weights {
		w := int64((0.5 + rng.Float64()) * weightScale)
		if w < 1 {
			w = 1
		}
		weights[i] = w
		weightSum += w
	}

	shares := splitByWeight(total.Units-int64(days), weights, weightSum)

	specs := make([]EntrySpec, days)
	for i := range specs {
		specs[i] = EntrySpec{
			DayNumber:     i + 1,
			Amount:        generic.NewAmount(1+shares[i], total.Unit),
			ScheduledDate: start.AddDays(i),
		}
	}
	return specs, nil
}

// splitByWeight divides units so that the result sums to units exactly.
func splitByWeight(units int64, weights []int64, weightSum int64) []int64 {
	shares := make([]int64, len(weights))
	if units == 0 {
		return shares
	}

	pool := decimal.NewFromInt(units)
	denom := decimal.NewFromInt(weightSum)
	var allotted int64
	for i, w := range weights {
		// QuoRem with precision 0 gives the exact integer floor for positives.
		q, _ := pool.Mul(decimal.NewFromInt(w)).QuoRem(denom, 0)
		shares[i] = q.IntPart()
		allotted += shares[i]
	}

	for i := 0; allotted < units; i = (i + 1) % len(shares) {
		shares[i]++
		allotted++
	}
	return shares
}

// SumEntries totals a generated schedule.
func SumEntries(specs []EntrySpec) generic.Amount {
	if len(specs) == 0 {
		return generic.Amount{}
	}
	total := generic.NewAmount(0, specs[0].Amount.Unit)
	for _, s := range specs {
		total = total.Add(s.Amount)
	}
	return total
}
