package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzTransform(f *testing.F) {
	f.Add([]byte(`{"b":2,"a":1}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":[3,1,2]}`))
	f.Add([]byte(`{"num":1.50,"exp":1e3,"neg":-0}`))
	f.Add([]byte(`{"html":"<b> & </b>","esc":"line1\nline2\ttab"}`))
	f.Add([]byte(`{"unicode":"café","emoji":"🚀","":""}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		if !json.Valid(data) {
			t.Skip("invalid JSON input")
		}
		first, err := Transform(data)
		if err != nil {
			return
		}
		if !json.Valid(first) {
			t.Fatalf("canonical output is not valid JSON: %s", first)
		}

		// The canonical form is a fixed point.
		second, err := Transform(first)
		if err != nil {
			t.Fatalf("canonical output rejected: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("transform not idempotent:\n  first:  %s\n  second: %s", first, second)
		}

		if !DigestBytes(first).Equal(DigestBytes(second)) {
			t.Error("digest differs for identical canonical bytes")
		}
	})
}

func FuzzJCSString(f *testing.F) {
	f.Add([]byte(`{"key":"value"}`))
	f.Add([]byte(`{"a":1,"c":3,"b":2}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON")
		}
		s, err := JCSString(v)
		if err != nil {
			return
		}
		again, err := Transform([]byte(s))
		if err != nil {
			t.Fatalf("canonical output rejected: %v", err)
		}
		if s != string(again) {
			t.Errorf("JCSString is not canonical: %q vs %q", s, again)
		}
	})
}
