// Package key implements the key model for the Strata engine: typed keys
// with a total order, an order-preserving binary encoding, and key ranges.
//
// The ordering contract across types is Number < Date < String < Binary <
// Array; within a type the natural order applies, and arrays compare
// element-wise with a shorter prefix sorting first. Encode produces bytes
// whose memcmp order matches Compare, which is what lets file backends
// delegate ordering to their native byte-ordered structures.
package key

import (
	"fmt"
	"math"
	"time"
)

// Type identifies the kind of value a Key holds.
type Type int

// Key types in ascending sort order.
const (
	Invalid Type = iota
	Number
	Date
	String
	Binary
	Array
)

// String returns a human-readable name for the type.
func (t Type) String() string {
	switch t {
	case Number:
		return "number"
	case Date:
		return "date"
	case String:
		return "string"
	case Binary:
		return "binary"
	case Array:
		return "array"
	default:
		return "invalid"
	}
}

// Key is a single database key. The zero value is invalid.
type Key struct {
	t    Type
	num  float64
	date time.Time
	str  string
	bin  []byte
	arr  []Key
}

// New converts a Go value into a Key. Accepted inputs: all integer and
// float types (NaN rejected), string, []byte, time.Time, []any, []Key,
// and Key itself. Anything else is rejected.
func New(v any) (Key, error) {
	switch x := v.(type) {
	case Key:
		if x.t == Invalid {
			return Key{}, fmt.Errorf("key: invalid key value")
		}
		return x, nil
	case float64:
		return newNumber(x)
	case float32:
		return newNumber(float64(x))
	case int:
		return newNumber(float64(x))
	case int8:
		return newNumber(float64(x))
	case int16:
		return newNumber(float64(x))
	case int32:
		return newNumber(float64(x))
	case int64:
		return newNumber(float64(x))
	case uint:
		return newNumber(float64(x))
	case uint8:
		return newNumber(float64(x))
	case uint16:
		return newNumber(float64(x))
	case uint32:
		return newNumber(float64(x))
	case uint64:
		return newNumber(float64(x))
	case string:
		return Key{t: String, str: x}, nil
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return Key{t: Binary, bin: b}, nil
	case time.Time:
		return Key{t: Date, date: x.UTC()}, nil
	case []Key:
		arr := make([]Key, len(x))
		for i, e := range x {
			if e.t == Invalid {
				return Key{}, fmt.Errorf("key: array element %d is not a valid key", i)
			}
			arr[i] = e
		}
		return Key{t: Array, arr: arr}, nil
	case []any:
		arr := make([]Key, len(x))
		for i, e := range x {
			k, err := New(e)
			if err != nil {
				return Key{}, fmt.Errorf("key: array element %d: %w", i, err)
			}
			arr[i] = k
		}
		return Key{t: Array, arr: arr}, nil
	default:
		return Key{}, fmt.Errorf("key: %T is not a valid key type", v)
	}
}

func newNumber(f float64) (Key, error) {
	if math.IsNaN(f) {
		return Key{}, fmt.Errorf("key: NaN is not a valid key")
	}
	if f == 0 {
		f = 0 // normalize -0 so Compare and Encode agree
	}
	return Key{t: Number, num: f}, nil
}

// MustNew is like New but panics on error. Use for literal keys in tests.
func MustNew(v any) Key {
	k, err := New(v)
	if err != nil {
		panic(err)
	}
	return k
}

// NewNumber returns a Number key without validation overhead for callers
// that already hold a float (key generators).
func NewNumber(f float64) Key { return Key{t: Number, num: f} }

// Type returns the key's type.
func (k Key) Type() Type { return k.t }

// IsZero reports whether k is the invalid zero value.
func (k Key) IsZero() bool { return k.t == Invalid }

// Value returns the key as a plain Go value: float64, time.Time, string,
// []byte, or []any.
func (k Key) Value() any {
	switch k.t {
	case Number:
		return k.num
	case Date:
		return k.date
	case String:
		return k.str
	case Binary:
		b := make([]byte, len(k.bin))
		copy(b, k.bin)
		return b
	case Array:
		out := make([]any, len(k.arr))
		for i, e := range k.arr {
			out[i] = e.Value()
		}
		return out
	default:
		return nil
	}
}

// Num returns the numeric value of a Number key, or 0 for other types.
func (k Key) Num() float64 { return k.num }

// Array returns the elements of an Array key, or nil for other types.
func (k Key) Array() []Key { return k.arr }

// Compare returns -1, 0 or 1 ordering k against o. Keys of different
// types order by type (Number < Date < String < Binary < Array).
func (k Key) Compare(o Key) int {
	if k.t != o.t {
		if k.t < o.t {
			return -1
		}
		return 1
	}
	switch k.t {
	case Number:
		switch {
		case k.num < o.num:
			return -1
		case k.num > o.num:
			return 1
		default:
			return 0
		}
	case Date:
		a, b := k.date.UnixMilli(), o.date.UnixMilli()
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case String:
		switch {
		case k.str < o.str:
			return -1
		case k.str > o.str:
			return 1
		default:
			return 0
		}
	case Binary:
		return compareBytes(k.bin, o.bin)
	case Array:
		n := len(k.arr)
		if len(o.arr) < n {
			n = len(o.arr)
		}
		for i := 0; i < n; i++ {
			if c := k.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(k.arr) < len(o.arr):
			return -1
		case len(k.arr) > len(o.arr):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer for logs and error messages.
func (k Key) String() string {
	switch k.t {
	case Number:
		return fmt.Sprintf("%g", k.num)
	case Date:
		return k.date.Format(time.RFC3339Nano)
	case String:
		return fmt.Sprintf("%q", k.str)
	case Binary:
		return fmt.Sprintf("0x%x", k.bin)
	case Array:
		s := "["
		for i, e := range k.arr {
			if i > 0 {
				s += ", "
			}
			s += e.String()
		}
		return s + "]"
	default:
		return "<invalid>"
	}
}
