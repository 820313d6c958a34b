package billing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/classbook/pkg/orgs"
)

const (
	// MinBillingDay and MaxBillingDay bound the configurable anchor; 28 exists in every month
	MinBillingDay = 1
	MaxBillingDay = 28

	// DefaultBillingDay is used when an organisation has no valid anchor
	DefaultBillingDay = 1
)

// ValidateBillingDay accepts integers, integral floats (JSON numbers) and numeric
// strings in [1, 28]. Anything else yields (0, false).
func ValidateBillingDay(input any) (int, bool) {
	var n int64
	switch v := input.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		n = int64(v)
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		n = int64(v)
	case float32:
		return validateFloat(float64(v))
	case float64:
		return validateFloat(v)
	case json.Number:
		return ValidateBillingDay(v.String())
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		n = int64(parsed)
	default:
		return 0, false
	}

	if n < MinBillingDay || n > MaxBillingDay {
		return 0, false
	}
	return int(n), true
}

func validateFloat(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return ValidateBillingDay(int64(f))
}

// ResolveBillingDay returns the organisation's billing anchor, defaulting to day 1
func ResolveBillingDay(org *orgs.Organization) int {
	if org == nil || org.BillingDay == nil {
		return DefaultBillingDay
	}
	if day, ok := ValidateBillingDay(*org.BillingDay); ok {
		return day
	}
	return DefaultBillingDay
}

// PrepareBillingDayUpdate validates input and returns the fields to persist.
// Billing day and fee due day always move together.
func PrepareBillingDayUpdate(input any) (BillingDayUpdate, bool) {
	day, ok := ValidateBillingDay(input)
	if !ok {
		return BillingDayUpdate{}, false
	}
	return BillingDayUpdate{BillingDay: day, FeeDueDay: day}, true
}

// DaysIn returns the number of days in the given month
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay limits day to the length of the month
func ClampDay(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}

// AnniversaryDaysFor returns the anniversary dates billed on date. On the last day of
// a short month every larger anniversary up to 31 is included, since those dates clamp
// to the month's end.
func AnniversaryDaysFor(date time.Time) []int {
	day := date.Day()
	days := []int{day}
	if day == DaysIn(date.Year(), date.Month()) {
		for d := day + 1; d <= 31; d++ {
			days = append(days, d)
		}
	}
	return days
}
