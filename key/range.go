package key

import "fmt"

// Range is a contiguous interval of keys. A nil bound means unbounded on
// that side. The zero value matches every key.
type Range struct {
	Lower     *Key
	Upper     *Key
	LowerOpen bool
	UpperOpen bool
}

// Only returns the range containing exactly k.
func Only(k Key) Range {
	lo, hi := k, k
	return Range{Lower: &lo, Upper: &hi}
}

// LowerBound returns the range of keys >= k (or > k when open).
func LowerBound(k Key, open bool) Range {
	lo := k
	return Range{Lower: &lo, LowerOpen: open}
}

// UpperBound returns the range of keys <= k (or < k when open).
func UpperBound(k Key, open bool) Range {
	hi := k
	return Range{Upper: &hi, UpperOpen: open}
}

// Bound returns the range between lower and upper. It rejects inverted
// bounds, and equal bounds with either side open.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) (Range, error) {
	c := lower.Compare(upper)
	if c > 0 {
		return Range{}, fmt.Errorf("key: range lower bound %s is greater than upper bound %s", lower, upper)
	}
	if c == 0 && (lowerOpen || upperOpen) {
		return Range{}, fmt.Errorf("key: empty range: equal bounds with an open side")
	}
	lo, hi := lower, upper
	return Range{Lower: &lo, Upper: &hi, LowerOpen: lowerOpen, UpperOpen: upperOpen}, nil
}

// Contains reports whether k falls inside the range.
func (r Range) Contains(k Key) bool {
	if r.Lower != nil {
		c := k.Compare(*r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := k.Compare(*r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// IsUnbounded reports whether the range has no bounds at all.
func (r Range) IsUnbounded() bool { return r.Lower == nil && r.Upper == nil }

// RangeOf coerces a query value into a Range: nil means "everything", a
// Range (or *Range) passes through, and anything else must be a valid key
// and yields an Only range.
func RangeOf(query any) (Range, error) {
	switch q := query.(type) {
	case nil:
		return Range{}, nil
	case Range:
		return q, nil
	case *Range:
		if q == nil {
			return Range{}, nil
		}
		return *q, nil
	default:
		k, err := New(q)
		if err != nil {
			return Range{}, err
		}
		return Only(k), nil
	}
}
