package key_test

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/xraph/strata/key"
)

func TestNew_AcceptedTypes(t *testing.T) {
	inputs := []any{
		42, int64(-7), uint8(255), 3.14,
		"hello", "",
		[]byte{0x00, 0x01},
		time.Now(),
		[]any{1.0, "a", []any{2.0}},
	}
	for _, in := range inputs {
		if _, err := key.New(in); err != nil {
			t.Errorf("New(%v): unexpected error: %v", in, err)
		}
	}
}

func TestNew_RejectedTypes(t *testing.T) {
	inputs := []any{
		math.NaN(),
		true,
		nil,
		map[string]any{"a": 1},
		[]any{1.0, true},
	}
	for _, in := range inputs {
		if _, err := key.New(in); err == nil {
			t.Errorf("New(%v): expected error, got none", in)
		}
	}
}

func TestCompare_TypeOrder(t *testing.T) {
	// Number < Date < String < Binary < Array.
	ordered := []key.Key{
		key.MustNew(math.Inf(1)),
		key.MustNew(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)),
		key.MustNew("zzz"),
		key.MustNew([]byte{0x00}),
		key.MustNew([]any{}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		if c := ordered[i].Compare(ordered[i+1]); c != -1 {
			t.Errorf("Compare(%s, %s) = %d, want -1", ordered[i], ordered[i+1], c)
		}
	}
}

func TestCompare_WithinType(t *testing.T) {
	cases := []struct {
		a, b any
		want int
	}{
		{1, 2, -1},
		{2.5, 2.5, 0},
		{-0.0, 0.0, 0},
		{math.Inf(-1), -1e308, -1},
		{"a", "ab", -1},
		{"b", "a", 1},
		{[]byte{1}, []byte{1, 0}, -1},
		{[]any{1.0}, []any{1.0, 2.0}, -1},
		{[]any{2.0}, []any{1.0, 2.0}, 1},
		{[]any{1.0, "a"}, []any{1.0, "a"}, 0},
	}
	for _, c := range cases {
		a, b := key.MustNew(c.a), key.MustNew(c.b)
		if got := a.Compare(b); got != c.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", a, b, got, c.want)
		}
	}
}

func TestEncode_OrderMatchesCompare(t *testing.T) {
	keys := []key.Key{
		key.MustNew(math.Inf(-1)),
		key.MustNew(-42),
		key.MustNew(0),
		key.MustNew(0.5),
		key.MustNew(7),
		key.MustNew(math.Inf(1)),
		key.MustNew(time.UnixMilli(-1000).UTC()),
		key.MustNew(time.UnixMilli(0).UTC()),
		key.MustNew(time.UnixMilli(1234567).UTC()),
		key.MustNew(""),
		key.MustNew("a"),
		key.MustNew("a\x00"),
		key.MustNew("a\x00b"),
		key.MustNew("a\x01"),
		key.MustNew("ab"),
		key.MustNew([]byte{}),
		key.MustNew([]byte{0x00}),
		key.MustNew([]byte{0x00, 0x00}),
		key.MustNew([]byte{0x01}),
		key.MustNew([]any{}),
		key.MustNew([]any{1.0}),
		key.MustNew([]any{1.0, 1.0}),
		key.MustNew([]any{2.0}),
		key.MustNew([]any{"a"}),
		key.MustNew([]any{"a", "b"}),
		key.MustNew([]any{[]any{"a"}}),
	}
	for i := range keys {
		for j := range keys {
			want := keys[i].Compare(keys[j])
			got := bytes.Compare(keys[i].Encode(), keys[j].Encode())
			if got != want {
				t.Errorf("encoded order of %s vs %s = %d, want %d", keys[i], keys[j], got, want)
			}
		}
	}
}

func TestEncode_DecodeRoundTrip(t *testing.T) {
	keys := []key.Key{
		key.MustNew(-3.25),
		key.MustNew(time.UnixMilli(99).UTC()),
		key.MustNew("héllo\x00world"),
		key.MustNew([]byte{0x00, 0xFF, 0x10}),
		key.MustNew([]any{1.0, []any{"x", 2.0}, "tail"}),
	}
	for _, k := range keys {
		got, err := key.Decode(k.Encode())
		if err != nil {
			t.Fatalf("Decode(%s): %v", k, err)
		}
		if got.Compare(k) != 0 {
			t.Errorf("round trip of %s produced %s", k, got)
		}
	}
}

func TestDecode_Invalid(t *testing.T) {
	bad := [][]byte{
		nil,
		{0x99},
		{0x10, 0x00},       // truncated number
		{0x30, 'a'},        // unterminated string
		{0x50, 0x10},       // unterminated array
		{0x30, 0x00, 0x07}, // invalid escape
	}
	for _, b := range bad {
		if _, err := key.Decode(b); err == nil {
			t.Errorf("Decode(% x): expected error", b)
		}
	}
}

func TestRange_Contains(t *testing.T) {
	r, err := key.Bound(key.MustNew(2), key.MustNew(5), false, true)
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	cases := []struct {
		v    any
		want bool
	}{
		{1, false}, {2, true}, {3, true}, {5, false}, {"a", false},
	}
	for _, c := range cases {
		if got := r.Contains(key.MustNew(c.v)); got != c.want {
			t.Errorf("Contains(%v) = %v, want %v", c.v, got, c.want)
		}
	}

	only := key.Only(key.MustNew("x"))
	if !only.Contains(key.MustNew("x")) || only.Contains(key.MustNew("y")) {
		t.Error("Only range should contain exactly its key")
	}
}

func TestRange_BoundValidation(t *testing.T) {
	if _, err := key.Bound(key.MustNew(5), key.MustNew(2), false, false); err == nil {
		t.Error("inverted bounds should be rejected")
	}
	if _, err := key.Bound(key.MustNew(2), key.MustNew(2), true, false); err == nil {
		t.Error("equal bounds with an open side should be rejected")
	}
	if _, err := key.Bound(key.MustNew(2), key.MustNew(2), false, false); err != nil {
		t.Errorf("closed equal bounds should be allowed: %v", err)
	}
}

func TestRangeOf(t *testing.T) {
	r, err := key.RangeOf(nil)
	if err != nil || !r.IsUnbounded() {
		t.Fatalf("RangeOf(nil) = %+v, %v", r, err)
	}

	r, err = key.RangeOf(7)
	if err != nil {
		t.Fatalf("RangeOf(7): %v", err)
	}
	if !r.Contains(key.MustNew(7)) || r.Contains(key.MustNew(8)) {
		t.Error("RangeOf(7) should be the Only range of 7")
	}

	if _, err = key.RangeOf(true); err == nil {
		t.Error("RangeOf(true): expected error")
	}
}
