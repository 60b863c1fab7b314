package comparator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/canonicalize"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		cmp      Comparator
		value    json.RawMessage
		expected json.RawMessage
		want     logic.TriState
	}{
		{"equals numbers exact", Equals, raw(`1.50`), raw(`1.5`), logic.True},
		{"equals exponent", Equals, raw(`1e3`), raw(`1000`), logic.True},
		{"equals decimal precision", Equals, raw(`0.30000000000000004`), raw(`0.3`), logic.False},
		{"equals strings", Equals, raw(`"ok"`), raw(`"ok"`), logic.True},
		{"equals objects reordered", Equals, raw(`{"a":1,"b":[1,2]}`), raw(`{"b":[1,2],"a":1}`), logic.True},
		{"equals number vs string", Equals, raw(`5`), raw(`"5"`), logic.Unknown},
		{"not_equals", NotEquals, raw(`"a"`), raw(`"b"`), logic.True},
		{"not_equals bool vs string", NotEquals, raw(`true`), raw(`"true"`), logic.True},
		{"gt numbers", GreaterThan, raw(`10`), raw(`9.99`), logic.True},
		{"gte equal", GreaterThanOrEqual, raw(`10.0`), raw(`10`), logic.True},
		{"lt big", LessThan, raw(`123456789012345678901234567890`), raw(`123456789012345678901234567891`), logic.True},
		{"lte false", LessThanOrEqual, raw(`11`), raw(`10`), logic.False},
		{"gt datetimes", GreaterThan, raw(`"2024-03-10T00:00:01Z"`), raw(`"2024-03-10T00:00:00Z"`), logic.True},
		{"lt dates", LessThan, raw(`"2024-01-01"`), raw(`"2024-02-01"`), logic.True},
		{"gt date vs datetime", GreaterThan, raw(`"2024-01-01"`), raw(`"2024-01-01T00:00:00Z"`), logic.Unknown},
		{"gt plain strings", GreaterThan, raw(`"b"`), raw(`"a"`), logic.Unknown},
		{"lex gt", LexGreaterThan, raw(`"b"`), raw(`"a"`), logic.True},
		{"lex lte", LexLessThanOrEqual, raw(`"a"`), raw(`"a"`), logic.True},
		{"lex number", LexLessThan, raw(`1`), raw(`"2"`), logic.Unknown},
		{"contains substring", Contains, raw(`"release-2024"`), raw(`"2024"`), logic.True},
		{"contains array all", Contains, raw(`["a","b","c"]`), raw(`["a","c"]`), logic.True},
		{"contains array missing", Contains, raw(`["a","b"]`), raw(`["a","z"]`), logic.False},
		{"contains array scalar", Contains, raw(`[1,2,3]`), raw(`2.0`), logic.True},
		{"contains on number", Contains, raw(`12`), raw(`1`), logic.Unknown},
		{"contains string vs number", Contains, raw(`"12"`), raw(`1`), logic.Unknown},
		{"in_set hit", InSet, raw(`"prod"`), raw(`["dev","prod"]`), logic.True},
		{"in_set miss", InSet, raw(`3`), raw(`[1,2]`), logic.False},
		{"in_set not array", InSet, raw(`3`), raw(`3`), logic.Unknown},
		{"in_set composite value", InSet, raw(`[1]`), raw(`[[1]]`), logic.Unknown},
		{"deep_equals arrays", DeepEquals, raw(`[1,{"a":2}]`), raw(`[1,{"a":2.0}]`), logic.True},
		{"deep_not_equals objects", DeepNotEquals, raw(`{"a":1}`), raw(`{"a":2}`), logic.True},
		{"deep_equals scalar", DeepEquals, raw(`1`), raw(`1`), logic.Unknown},
		{"deep_equals kind mismatch", DeepEquals, raw(`[]`), raw(`{}`), logic.Unknown},
		{"exists", Exists, raw(`null`), nil, logic.True},
		{"exists missing", Exists, nil, nil, logic.False},
		{"not_exists missing", NotExists, nil, nil, logic.True},
		{"missing value", Equals, nil, raw(`1`), logic.Unknown},
		{"missing expected", Equals, raw(`1`), nil, logic.Unknown},
		{"malformed value", Equals, raw(`{`), raw(`1`), logic.Unknown},
		{"unknown comparator", Comparator("approx"), raw(`1`), raw(`1`), logic.Unknown},
		{"hostile exponent", Equals, raw(`1e999999999`), raw(`1`), logic.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.cmp, tt.value, tt.expected))
		})
	}
}

// TestNumericComparatorsFailClosedOnStrings checks every numeric comparator
// against string evidence that is neither a date nor a timestamp.
func TestNumericComparatorsFailClosedOnStrings(t *testing.T) {
	numeric := []Comparator{GreaterThan, GreaterThanOrEqual, LessThan, LessThanOrEqual}
	values := []json.RawMessage{raw(`"10"`), raw(`"abc"`), raw(`""`), raw(`"1e3"`)}
	expected := []json.RawMessage{raw(`5`), raw(`0`), raw(`-1.5`)}
	for _, c := range numeric {
		for _, v := range values {
			for _, e := range expected {
				assert.Equal(t, logic.Unknown, Compare(c, v, e), "%s %s %s", c, v, e)
				assert.Equal(t, logic.Unknown, Compare(c, e, v), "%s %s %s", c, e, v)
			}
		}
	}
}

func TestCompareBytes(t *testing.T) {
	assert.Equal(t, logic.True, CompareBytes(Equals, []byte{1, 2, 255}, raw(`[1,2,255]`)))
	assert.Equal(t, logic.True, CompareBytes(NotEquals, []byte{1}, raw(`[2]`)))
	assert.Equal(t, logic.Unknown, CompareBytes(Equals, []byte{1}, raw(`[256]`)))
	assert.Equal(t, logic.Unknown, CompareBytes(Equals, []byte{1}, raw(`"AQ=="`)))
	assert.Equal(t, logic.Unknown, CompareBytes(GreaterThan, []byte{1}, raw(`[0]`)))
	assert.Equal(t, logic.True, CompareBytes(Exists, []byte{}, nil))
	assert.Equal(t, logic.True, CompareBytes(NotExists, nil, nil))
}

func TestCheckExpected(t *testing.T) {
	assert.NoError(t, CheckExpected(Exists, nil))
	assert.NoError(t, CheckExpected(InSet, raw(`[1,2]`)))
	assert.NoError(t, CheckExpected(GreaterThan, raw(`"2024-01-01"`)))
	assert.Error(t, CheckExpected(Equals, nil))
	assert.Error(t, CheckExpected(InSet, raw(`1`)))
	assert.Error(t, CheckExpected(LexLessThan, raw(`1`)))
	assert.Error(t, CheckExpected(GreaterThan, raw(`true`)))
	assert.Error(t, CheckExpected(DeepEquals, raw(`"x"`)))
	assert.Error(t, CheckExpected(Comparator("approx"), raw(`1`)))
}

func TestCheckExpectedRejectsInexactNumbers(t *testing.T) {
	assert.NoError(t, CheckExpected(Equals, raw(`0.1`)))
	assert.NoError(t, CheckExpected(Equals, raw(`9007199254740992`)))
	assert.ErrorIs(t, CheckExpected(Equals, raw(`9007199254740993`)), canonicalize.ErrInexactNumber)
	assert.ErrorIs(t, CheckExpected(GreaterThan, raw(`1.00000000000000000001`)), canonicalize.ErrInexactNumber)
	assert.ErrorIs(t, CheckExpected(InSet, raw(`[1,9007199254740993]`)), canonicalize.ErrInexactNumber)
}
