package tracking

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ToDecimal converts a numeric script value into an exact decimal.
// Script floats arrive as float64; NewFromFloat gives them a stable exact
// representation so partial sums merge to the same total in any order.
// Numeric strings are accepted, mirroring how log fields often carry numbers.
func ToDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int32:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case uint:
		return decimal.NewFromInt(int64(val)), nil
	case uint64:
		return decimal.NewFromInt(int64(val)), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		return decimal.NewFromString(val.String())
	case decimal.Decimal:
		return val, nil
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value %q is not numeric", val)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("value of type %T is not numeric", v)
}

func fromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("value %v is not a finite number", f)
	}
	return decimal.NewFromFloat(f), nil
}

// exportDecimal renders integers as int64 and everything else as float64.
func exportDecimal(d decimal.Decimal) any {
	if d.IsInteger() && d.Abs().LessThan(decimal.NewFromInt(math.MaxInt64)) {
		return d.IntPart()
	}
	return d.InexactFloat64()
}
