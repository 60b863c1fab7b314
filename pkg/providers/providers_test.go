package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
)

func timeQuery(check, params string) evidence.Query {
	q := evidence.Query{ProviderID: TimeProviderID, CheckID: check}
	if params != "" {
		q.Params = json.RawMessage(params)
	}
	return q
}

func TestTimeProviderAfterIsStrict(t *testing.T) {
	p := NewTimeProvider()
	params := `{"timestamp":1710000000000}`

	res, err := p.Query(context.Background(), timeQuery("after", params), evidence.Context{TriggerTime: evidence.UnixMillis(1710000000000)})
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(res.Value.JSON))
	assert.Equal(t, evidence.LaneVerified, res.Lane)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, "trigger_time_unix_millis", res.Anchor.AnchorType)
	assert.Equal(t, "1710000000000", res.Anchor.AnchorValue)

	res, err = p.Query(context.Background(), timeQuery("after", params), evidence.Context{TriggerTime: evidence.UnixMillis(1710000001000)})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Value.JSON))

	res, err = p.Query(context.Background(), timeQuery("before", params), evidence.Context{TriggerTime: evidence.UnixMillis(1709999999999)})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Value.JSON))
}

func TestTimeProviderRFC3339AndNow(t *testing.T) {
	p := NewTimeProvider()
	ec := evidence.Context{TriggerTime: evidence.UnixMillis(1710000001000)}

	res, err := p.Query(context.Background(), timeQuery("after", `{"timestamp":"2024-03-09T16:00:00Z"}`), ec)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Value.JSON))

	res, err = p.Query(context.Background(), timeQuery("now", ""), ec)
	require.NoError(t, err)
	assert.JSONEq(t, `1710000001000`, string(res.Value.JSON))
}

func TestTimeProviderLogical(t *testing.T) {
	p := NewTimeProvider()
	ec := evidence.Context{TriggerTime: evidence.Logical(7)}

	res, err := p.Query(context.Background(), timeQuery("after", `{"timestamp":5}`), ec)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Value.JSON))
	assert.Equal(t, "trigger_time_logical", res.Anchor.AnchorType)

	_, err = p.Query(context.Background(), timeQuery("after", `{"timestamp":"2024-03-09T16:00:00Z"}`), ec)
	assert.Error(t, err)

	strict := &TimeProvider{}
	_, err = strict.Query(context.Background(), timeQuery("now", ""), ec)
	assert.Error(t, err)
}

func TestTimeProviderRejects(t *testing.T) {
	p := NewTimeProvider()
	ec := evidence.Context{TriggerTime: evidence.UnixMillis(1)}
	for name, q := range map[string]evidence.Query{
		"unknown check":   timeQuery("yesterday", ""),
		"missing params":  timeQuery("after", ""),
		"missing field":   timeQuery("after", `{}`),
		"bad rfc3339":     timeQuery("after", `{"timestamp":"soon"}`),
		"fractional ms":   timeQuery("after", `{"timestamp":1.5}`),
		"params not json": timeQuery("before", `[1]`),
	} {
		_, err := p.Query(context.Background(), q, ec)
		assert.Error(t, err, name)
	}
	_, err := p.Query(context.Background(), timeQuery("now", ""), evidence.Context{})
	assert.Error(t, err, "unset trigger time")
}

func TestCELProviderEval(t *testing.T) {
	p, err := NewCELProvider(0)
	require.NoError(t, err)

	ec := evidence.Context{
		RunID:       "run-1",
		TriggerTime: evidence.UnixMillis(1710000000000),
		Payload:     json.RawMessage(`{"approvals":3,"env":"prod","tags":["a","b"]}`),
	}
	cases := map[string]string{
		`payload.approvals >= 2`:           `true`,
		`payload.env == "staging"`:         `false`,
		`ctx.run_id`:                       `"run-1"`,
		`ctx.trigger_time > 1700000000000`: `true`,
		`payload.tags.size()`:              `2`,
		`payload.tags.exists(t, t == "b")`: `true`,
		`{"ok": payload.env == "prod"}`:    `{"ok":true}`,
	}
	for expr, want := range cases {
		res, err := p.Query(context.Background(), evidence.Query{CheckID: "eval", Params: mustJSON(t, map[string]string{"expr": expr})}, ec)
		require.NoError(t, err, expr)
		assert.JSONEq(t, want, string(res.Value.JSON), expr)
		assert.Equal(t, evidence.LaneAsserted, res.Lane)
	}
}

func TestCELProviderErrors(t *testing.T) {
	p, err := NewCELProvider(0)
	require.NoError(t, err)
	ec := evidence.Context{Payload: json.RawMessage(`{}`)}

	_, err = p.Query(context.Background(), evidence.Query{CheckID: "eval", Params: json.RawMessage(`{"expr":"payload.("}`)}, ec)
	assert.Error(t, err, "syntax error")
	_, err = p.Query(context.Background(), evidence.Query{CheckID: "eval", Params: json.RawMessage(`{"expr":"payload.missing"}`)}, ec)
	assert.Error(t, err, "missing key")
	_, err = p.Query(context.Background(), evidence.Query{CheckID: "eval", Params: json.RawMessage(`{}`)}, ec)
	assert.Error(t, err, "no expr")
	_, err = p.Query(context.Background(), evidence.Query{CheckID: "run", Params: json.RawMessage(`{"expr":"true"}`)}, ec)
	assert.Error(t, err, "wrong check")

	require.NoError(t, p.Compile(`1 + 1 == 2`))
	assert.Error(t, p.Compile(`1 +`))
}

func TestCELProviderCostLimit(t *testing.T) {
	p, err := NewCELProvider(10)
	require.NoError(t, err)
	ec := evidence.Context{Payload: json.RawMessage(`{"xs":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`)}
	_, err = p.Query(context.Background(), evidence.Query{CheckID: "eval", Params: json.RawMessage(`{"expr":"payload.xs.map(x, payload.xs.map(y, x * y)).size() > 0"}`)}, ec)
	assert.Error(t, err)
}

func TestProvidersThroughRegistry(t *testing.T) {
	reg := evidence.NewRegistry(0, nil)
	require.NoError(t, reg.Register(TimeProviderID, NewTimeProvider(), evidence.ProviderOptions{}))
	res := reg.Query(context.Background(), evidence.Query{ProviderID: TimeProviderID, CheckID: "yesterday"}, evidence.Context{TriggerTime: evidence.UnixMillis(1)})
	require.NotNil(t, res.Error)
	assert.Equal(t, evidence.CodeProviderError, res.Error.Code)
	assert.Nil(t, res.Value)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
