// Package comparator turns an evidence value and an expected value into a
// tri-state outcome. Every type mismatch is Unknown; no comparator ever
// defaults to False on input it cannot interpret.
package comparator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

// Comparator names a comparison.
type Comparator string

const (
	Equals                Comparator = "equals"
	NotEquals             Comparator = "not_equals"
	GreaterThan           Comparator = "greater_than"
	GreaterThanOrEqual    Comparator = "greater_than_or_equal"
	LessThan              Comparator = "less_than"
	LessThanOrEqual       Comparator = "less_than_or_equal"
	LexGreaterThan        Comparator = "lex_greater_than"
	LexGreaterThanOrEqual Comparator = "lex_greater_than_or_equal"
	LexLessThan           Comparator = "lex_less_than"
	LexLessThanOrEqual    Comparator = "lex_less_than_or_equal"
	Contains              Comparator = "contains"
	InSet                 Comparator = "in_set"
	DeepEquals            Comparator = "deep_equals"
	DeepNotEquals         Comparator = "deep_not_equals"
	Exists                Comparator = "exists"
	NotExists             Comparator = "not_exists"
)

var known = map[Comparator]struct{}{
	Equals: {}, NotEquals: {},
	GreaterThan: {}, GreaterThanOrEqual: {}, LessThan: {}, LessThanOrEqual: {},
	LexGreaterThan: {}, LexGreaterThanOrEqual: {}, LexLessThan: {}, LexLessThanOrEqual: {},
	Contains: {}, InSet: {}, DeepEquals: {}, DeepNotEquals: {},
	Exists: {}, NotExists: {},
}

// Valid reports whether c is a supported comparator.
func (c Comparator) Valid() bool {
	_, ok := known[c]
	return ok
}

// NeedsExpected reports whether c reads the expected value.
func (c Comparator) NeedsExpected() bool {
	return c != Exists && c != NotExists
}

// CheckExpected rejects expected values that can never produce a definite
// outcome for c. It is applied when a scenario is registered.
func CheckExpected(c Comparator, expected json.RawMessage) error {
	if !c.Valid() {
		return fmt.Errorf("comparator: unknown comparator %q", c)
	}
	if !c.NeedsExpected() {
		return nil
	}
	if len(expected) == 0 {
		return fmt.Errorf("comparator: %s requires an expected value", c)
	}
	v, err := decode(expected)
	if err != nil {
		return fmt.Errorf("comparator: expected value: %w", err)
	}
	// Specs are stored in canonical form; a number that does not survive it
	// would be compared as a different value after reload.
	if err := canonicalize.CheckNumbers(expected); err != nil {
		return fmt.Errorf("comparator: expected value: %w", err)
	}
	switch c {
	case InSet:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("comparator: in_set expects an array")
		}
	case LexGreaterThan, LexGreaterThanOrEqual, LexLessThan, LexLessThanOrEqual:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("comparator: %s expects a string", c)
		}
	case GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
		switch v.(type) {
		case json.Number, string:
		default:
			return fmt.Errorf("comparator: %s expects a number or a date", c)
		}
	case DeepEquals, DeepNotEquals:
		switch v.(type) {
		case []any, map[string]any:
		default:
			return fmt.Errorf("comparator: %s expects an array or object", c)
		}
	}
	return nil
}

// Compare evaluates c over a JSON evidence value. A nil value means the
// provider returned no value; a nil expected means none was declared.
func Compare(c Comparator, value, expected json.RawMessage) logic.TriState {
	switch c {
	case Exists:
		return logic.FromBool(value != nil)
	case NotExists:
		return logic.FromBool(value == nil)
	}
	if value == nil || expected == nil || !c.Valid() {
		return logic.Unknown
	}
	lhs, err := decode(value)
	if err != nil {
		return logic.Unknown
	}
	rhs, err := decode(expected)
	if err != nil {
		return logic.Unknown
	}

	switch c {
	case Equals, NotEquals:
		eq, ok := equal(lhs, rhs)
		if !ok {
			return logic.Unknown
		}
		if c == NotEquals {
			eq = !eq
		}
		return logic.FromBool(eq)
	case GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual:
		cmp, ok := order(lhs, rhs)
		if !ok {
			return logic.Unknown
		}
		return logic.FromBool(holds(c, cmp))
	case LexGreaterThan, LexGreaterThanOrEqual, LexLessThan, LexLessThanOrEqual:
		ls, lok := lhs.(string)
		rs, rok := rhs.(string)
		if !lok || !rok {
			return logic.Unknown
		}
		return logic.FromBool(holds(c, strings.Compare(ls, rs)))
	case Contains:
		return contains(lhs, rhs)
	case InSet:
		set, ok := rhs.([]any)
		if !ok || isComposite(lhs) {
			return logic.Unknown
		}
		for _, item := range set {
			if eq, ok := equal(lhs, item); ok && eq {
				return logic.True
			}
		}
		return logic.False
	case DeepEquals, DeepNotEquals:
		if !sameComposite(lhs, rhs) {
			return logic.Unknown
		}
		eq, ok := equal(lhs, rhs)
		if !ok {
			return logic.Unknown
		}
		if c == DeepNotEquals {
			eq = !eq
		}
		return logic.FromBool(eq)
	}
	return logic.Unknown
}

// CompareBytes evaluates c over binary evidence. Only presence and
// equality against an array of byte values are defined.
func CompareBytes(c Comparator, value []byte, expected json.RawMessage) logic.TriState {
	switch c {
	case Exists:
		return logic.FromBool(value != nil)
	case NotExists:
		return logic.FromBool(value == nil)
	case Equals, NotEquals:
	default:
		return logic.Unknown
	}
	if value == nil || expected == nil {
		return logic.Unknown
	}
	want, ok := byteArray(expected)
	if !ok {
		return logic.Unknown
	}
	eq := bytes.Equal(value, want)
	if c == NotEquals {
		eq = !eq
	}
	return logic.FromBool(eq)
}

func byteArray(raw json.RawMessage) ([]byte, bool) {
	v, err := decode(raw)
	if err != nil {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(items))
	for i, item := range items {
		n, ok := item.(json.Number)
		if !ok {
			return nil, false
		}
		b, err := n.Int64()
		if err != nil || b < 0 || b > 255 {
			return nil, false
		}
		out[i] = byte(b)
	}
	return out, true
}

func holds(c Comparator, cmp int) bool {
	switch c {
	case GreaterThan, LexGreaterThan:
		return cmp > 0
	case GreaterThanOrEqual, LexGreaterThanOrEqual:
		return cmp >= 0
	case LessThan, LexLessThan:
		return cmp < 0
	case LessThanOrEqual, LexLessThanOrEqual:
		return cmp <= 0
	}
	return false
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// equal compares decoded values. Numbers compare as exact decimals; a number
// against a non-number is not comparable. Everything else compares by
// canonical JSON form.
func equal(a, b any) (eq bool, ok bool) {
	an, aNum := a.(json.Number)
	bn, bNum := b.(json.Number)
	switch {
	case aNum && bNum:
		cmp, ok := compareNumbers(an, bn)
		return cmp == 0, ok
	case aNum != bNum:
		return false, false
	}
	ab, err := canonicalize.JCS(a)
	if err != nil {
		return false, false
	}
	bb, err := canonicalize.JCS(b)
	if err != nil {
		return false, false
	}
	return bytes.Equal(ab, bb), true
}

func compareNumbers(a, b json.Number) (int, bool) {
	ar, ok := parseDecimal(a)
	if !ok {
		return 0, false
	}
	br, ok := parseDecimal(b)
	if !ok {
		return 0, false
	}
	return ar.Cmp(br), true
}

// parseDecimal reads a JSON number literal exactly. Exponents are bounded so
// hostile literals such as 1e999999999 cannot force huge allocations.
func parseDecimal(n json.Number) (*big.Rat, bool) {
	s := n.String()
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return nil, false
		}
	}
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}

const maxExponent = 4096

func order(a, b any) (int, bool) {
	an, aNum := a.(json.Number)
	bn, bNum := b.(json.Number)
	if aNum && bNum {
		return compareNumbers(an, bn)
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return compareTemporal(as, bs)
	}
	return 0, false
}

func isComposite(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return true
	}
	return false
}

func sameComposite(a, b any) bool {
	switch a.(type) {
	case []any:
		_, ok := b.([]any)
		return ok
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	}
	return false
}

func contains(haystack, needle any) logic.TriState {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return logic.Unknown
		}
		return logic.FromBool(strings.Contains(h, n))
	case []any:
		needles, isArr := needle.([]any)
		if !isArr {
			needles = []any{needle}
		}
		for _, n := range needles {
			found := false
			for _, item := range h {
				if eq, ok := equal(item, n); ok && eq {
					found = true
					break
				}
			}
			if !found {
				return logic.False
			}
		}
		return logic.True
	}
	return logic.Unknown
}
