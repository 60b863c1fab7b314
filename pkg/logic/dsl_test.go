package logic

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSL_Forms(t *testing.T) {
	res := IdentityResolver("a", "b", "c", "time.after")
	tests := []struct {
		name string
		src  string
		want Requirement
	}{
		{"bare", "a", Pred("a")},
		{"dotted", "time.after", Pred("time.after")},
		{"all", "all(a, b)", All(Pred("a"), Pred("b"))},
		{"and alias", "and(a, b)", All(Pred("a"), Pred("b"))},
		{"any", "any(a, b, c)", Any(Pred("a"), Pred("b"), Pred("c"))},
		{"not call", "not(a)", Negate(Pred("a"))},
		{"at_least", "at_least(2, a, b, c)", AtLeast(2, Pred("a"), Pred("b"), Pred("c"))},
		{"require_group", "require_group(1, a)", AtLeast(1, Pred("a"))},
		{"infix and", "a && b && c", All(Pred("a"), Pred("b"), Pred("c"))},
		{"word infix", "a and b or c", Any(All(Pred("a"), Pred("b")), Pred("c"))},
		{"precedence", "a || b && c", Any(Pred("a"), All(Pred("b"), Pred("c")))},
		{"prefix", "!a && not b", All(Negate(Pred("a")), Negate(Pred("b")))},
		{"parens", "(a || b) && c", All(Any(Pred("a"), Pred("b")), Pred("c"))},
		{"nested call", "all(any(a, b), not(c))", All(Any(Pred("a"), Pred("b")), Negate(Pred("c")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSL(tt.src, res, DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDSL_SymbolTable(t *testing.T) {
	res := MapResolver{"deployed": "env.deployed", "approved": "review.approved"}
	got, err := ParseDSL("deployed && approved", res, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, All(Pred("env.deployed"), Pred("review.approved")), got)
}

func TestParseDSL_Errors(t *testing.T) {
	res := IdentityResolver("a", "b")
	tests := []struct {
		name string
		src  string
		kind ParseErrorKind
	}{
		{"empty", "   ", ParseEmptyInput},
		{"unknown predicate", "a && zzz", ParseUnknownPredicate},
		{"unknown function", "most(a, b)", ParseUnknownFunction},
		{"bad number", "at_least(x, a)", ParseUnexpectedToken},
		{"bad number literal", "at_least(2x, a)", ParseInvalidNumber},
		{"trailing", "a b", ParseTrailingInput},
		{"unclosed", "all(a, b", ParseUnexpectedToken},
		{"single amp", "a & b", ParseInvalidCharacter},
		{"stray char", "a # b", ParseInvalidCharacter},
		{"dangling op", "a &&", ParseUnexpectedToken},
		{"quorum too big", "at_least(3, a, b)", ParseInvalidTree},
		{"not arity", "not(a, b)", ParseUnexpectedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDSL(tt.src, res, DefaultLimits())
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want ParseError, got %T", err)
			assert.Equal(t, tt.kind, pe.Kind, err.Error())
		})
	}
}

func TestParseDSL_ResourceLimits(t *testing.T) {
	res := IdentityResolver("a")

	_, err := ParseDSL(strings.Repeat(" ", 65)+"a", res, Limits{MaxInputBytes: 64})
	require.ErrorIs(t, err, ErrInputTooLarge)

	deep := strings.Repeat("not(", 100) + "a" + strings.Repeat(")", 100)
	_, err = ParseDSL(deep, res, DefaultLimits())
	require.ErrorIs(t, err, ErrDepthExceeded)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ParseNestingTooDeep, pe.Kind)

	bangs := strings.Repeat("!", 10000) + "a"
	_, err = ParseDSL(bangs, res, DefaultLimits())
	require.ErrorIs(t, err, ErrDepthExceeded)
}

func TestParseDSL_DepthMatchesStructuredForm(t *testing.T) {
	res := IdentityResolver("a")
	limits := DefaultLimits()

	// A chain of n negations over a leaf is n+1 levels deep.
	chain := func(n int) Requirement {
		r := Pred("a")
		for i := 0; i < n; i++ {
			r = Negate(r)
		}
		return r
	}
	deepest := limits.MaxDepth - 1
	require.NoError(t, Validate(chain(deepest), limits, nil))
	require.ErrorIs(t, Validate(chain(deepest+1), limits, nil), ErrDepthExceeded)

	for _, form := range []struct{ open, close string }{
		{"not(", ")"},
		{"!", ""},
		{"!(", ")"},
	} {
		src := strings.Repeat(form.open, deepest) + "a" + strings.Repeat(form.close, deepest)
		got, err := ParseDSL(src, res, limits)
		require.NoError(t, err, form.open)
		assert.Equal(t, chain(deepest), got, form.open)

		src = strings.Repeat(form.open, deepest+1) + "a" + strings.Repeat(form.close, deepest+1)
		_, err = ParseDSL(src, res, limits)
		require.ErrorIs(t, err, ErrDepthExceeded, form.open)
	}

	nested := strings.Repeat("all(", deepest) + "a" + strings.Repeat(")", deepest)
	got, err := ParseDSL(nested, res, limits)
	require.NoError(t, err)
	require.NoError(t, Validate(got, limits, nil))
}

func TestParseDSL_AgreesWithBuilder(t *testing.T) {
	res := IdentityResolver("a", "b", "c")
	fromDSL, err := ParseDSL("at_least(2, a, b, c) && !c", res, DefaultLimits())
	require.NoError(t, err)
	built := All(AtLeast(2, Pred("a"), Pred("b"), Pred("c")), Negate(Pred("c")))
	assert.Equal(t, built, fromDSL)

	data, err := built.MarshalJSON()
	require.NoError(t, err)
	var fromJSON Requirement
	require.NoError(t, fromJSON.UnmarshalJSON(data))
	assert.Equal(t, built, fromJSON)
}
