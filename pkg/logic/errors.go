package logic

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequirement is wrapped by every structural validation failure.
	ErrInvalidRequirement = errors.New("logic: invalid requirement")
	// ErrDepthExceeded is returned when a tree or DSL input nests deeper
	// than the configured limit.
	ErrDepthExceeded = errors.New("logic: requirement depth exceeds limit")
	// ErrTooManyNodes is returned when a tree has more nodes than allowed.
	ErrTooManyNodes = errors.New("logic: requirement node count exceeds limit")
	// ErrInputTooLarge is returned when raw authoring input exceeds the size limit.
	ErrInputTooLarge = errors.New("logic: input exceeds size limit")
)

// ValidationError describes a rejected requirement tree.
type ValidationError struct {
	Path   string
	Reason string
	err    error
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s", e.err, e.Reason)
	}
	return fmt.Sprintf("%v at %s: %s", e.err, e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.err }

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...), err: ErrInvalidRequirement}
}

// ParseErrorKind classifies DSL failures.
type ParseErrorKind string

const (
	ParseEmptyInput       ParseErrorKind = "empty_input"
	ParseInputTooLarge    ParseErrorKind = "input_too_large"
	ParseNestingTooDeep   ParseErrorKind = "nesting_too_deep"
	ParseUnexpectedToken  ParseErrorKind = "unexpected_token"
	ParseUnknownPredicate ParseErrorKind = "unknown_predicate"
	ParseUnknownFunction  ParseErrorKind = "unknown_function"
	ParseInvalidNumber    ParseErrorKind = "invalid_number"
	ParseTrailingInput    ParseErrorKind = "trailing_input"
	ParseInvalidCharacter ParseErrorKind = "invalid_character"
	ParseInvalidTree      ParseErrorKind = "invalid_tree"
)

// ParseError is returned by ParseDSL. Pos is a byte offset into the input.
type ParseError struct {
	Kind     ParseErrorKind
	Pos      int
	Expected string
	Found    string
	err      error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseUnexpectedToken:
		return fmt.Sprintf("dsl: unexpected token at %d: expected %s, found %s", e.Pos, e.Expected, e.Found)
	case ParseUnknownPredicate:
		return fmt.Sprintf("dsl: unknown predicate %q at %d", e.Found, e.Pos)
	case ParseUnknownFunction:
		return fmt.Sprintf("dsl: unknown function %q at %d", e.Found, e.Pos)
	case ParseInvalidNumber:
		return fmt.Sprintf("dsl: invalid number %q at %d", e.Found, e.Pos)
	case ParseInvalidCharacter:
		return fmt.Sprintf("dsl: invalid character %q at %d", e.Found, e.Pos)
	case ParseTrailingInput:
		return fmt.Sprintf("dsl: trailing input at %d: %s", e.Pos, e.Found)
	case ParseInvalidTree:
		return fmt.Sprintf("dsl: %v", e.err)
	}
	return fmt.Sprintf("dsl: %s at %d", e.Kind, e.Pos)
}

func (e *ParseError) Unwrap() error { return e.err }
