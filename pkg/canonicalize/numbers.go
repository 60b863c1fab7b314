package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// ErrInexactNumber marks a JSON number whose canonical form denotes a
// different value. Canonical JSON writes numbers as IEEE 754 doubles, so a
// literal such as 9007199254740993 would be stored, hashed and compared as
// 9007199254740992.
var ErrInexactNumber = errors.New("canonicalize: number not representable in canonical form")

const maxNumberExponent = 4096

// CheckNumbers reports the first number in data that canonicalization would
// change. Literals that only differ in spelling, like 1.50 and 1.5 or 1e3
// and 1000, are accepted.
func CheckNumbers(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	return checkNumbers(v)
}

func checkNumbers(v any) error {
	switch t := v.(type) {
	case json.Number:
		return checkNumber(t.String())
	case []any:
		for _, e := range t {
			if err := checkNumbers(e); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := checkNumbers(t[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkNumber(s string) error {
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxNumberExponent || exp < -maxNumberExponent {
			return fmt.Errorf("%w: %s", ErrInexactNumber, s)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInexactNumber, s)
	}
	literal, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInexactNumber, s)
	}
	canonical, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok || literal.Cmp(canonical) != 0 {
		return fmt.Errorf("%w: %s", ErrInexactNumber, s)
	}
	return nil
}
