package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Range is a bounded integer setting expressed as "min-max" or as a single
// fixed value. A fixed value collapses the range (Min == Max == Value).
type Range struct {
	Min   int
	Max   int
	Value int
}

// ParseRange accepts "8-120" or "60".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if lo, hi, found := strings.Cut(s, "-"); found {
		min, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %v", s, err)
		}
		max, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %v", s, err)
		}
		if min > max {
			return Range{}, fmt.Errorf("invalid range %q: min exceeds max", s)
		}
		return Range{Min: min, Max: max, Value: max}, nil
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %v", s, err)
	}
	return Range{Min: val, Max: val, Value: val}, nil
}

// Clamp constrains v to the range bounds.
func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v falls inside the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	if r.Min == r.Max {
		return strconv.Itoa(r.Value)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// rangeDecodeHook lets viper unmarshal "min-max" strings and bare ints into
// Range fields.
func rangeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(Range{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseRange(v)
		case int:
			return Range{Min: v, Max: v, Value: v}, nil
		case int64:
			n := int(v)
			return Range{Min: n, Max: n, Value: n}, nil
		case float64:
			n := int(v)
			return Range{Min: n, Max: n, Value: n}, nil
		default:
			return data, nil
		}
	}
}
