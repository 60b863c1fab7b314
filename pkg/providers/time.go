// Package providers contains built-in evidence providers. They read only
// the evidence context and query parameters, never a wall clock, so their
// answers replay exactly.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
)

// TimeProviderID is the conventional registration id of TimeProvider.
const TimeProviderID = "time"

// TimeProvider answers questions about the trigger time:
//
//	now     the trigger time as a number
//	after   trigger time > params.timestamp
//	before  trigger time < params.timestamp
//
// params.timestamp is unix milliseconds or an RFC 3339 string for wall-clock
// triggers, and an unsigned counter for logical triggers.
type TimeProvider struct {
	AllowLogical bool
}

// NewTimeProvider returns a provider that accepts logical timestamps.
func NewTimeProvider() *TimeProvider {
	return &TimeProvider{AllowLogical: true}
}

type timeParams struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

func (p *TimeProvider) Query(_ context.Context, q evidence.Query, ec evidence.Context) (evidence.Result, error) {
	now := ec.TriggerTime
	if !now.Valid() {
		return evidence.Result{}, fmt.Errorf("time: trigger time is not set")
	}
	if now.Logical != nil && !p.AllowLogical {
		return evidence.Result{}, fmt.Errorf("time: logical timestamps are not permitted")
	}

	var value any
	switch q.CheckID {
	case "now":
		if now.UnixMillis != nil {
			value = *now.UnixMillis
		} else {
			value = *now.Logical
		}
	case "after", "before":
		threshold, err := parseThreshold(q.Params, now)
		if err != nil {
			return evidence.Result{}, err
		}
		delta, ok := now.Elapsed(threshold)
		if !ok {
			return evidence.Result{}, fmt.Errorf("time: threshold and trigger time use different clocks")
		}
		if q.CheckID == "after" {
			value = delta > 0
		} else {
			value = delta < 0
		}
	default:
		return evidence.Result{}, fmt.Errorf("time: unsupported check %q", q.CheckID)
	}

	v, err := evidence.JSONOf(value)
	if err != nil {
		return evidence.Result{}, err
	}
	return evidence.Result{
		Value:       v,
		Lane:        evidence.LaneVerified,
		Anchor:      anchorFor(now),
		ContentType: "application/json",
	}, nil
}

func anchorFor(ts evidence.Timestamp) *evidence.Anchor {
	if ts.UnixMillis != nil {
		return &evidence.Anchor{AnchorType: "trigger_time_unix_millis", AnchorValue: strconv.FormatInt(*ts.UnixMillis, 10)}
	}
	return &evidence.Anchor{AnchorType: "trigger_time_logical", AnchorValue: strconv.FormatUint(*ts.Logical, 10)}
}

func parseThreshold(params json.RawMessage, now evidence.Timestamp) (evidence.Timestamp, error) {
	if len(params) == 0 {
		return evidence.Timestamp{}, fmt.Errorf("time: check requires params")
	}
	var tp timeParams
	if err := json.Unmarshal(params, &tp); err != nil {
		return evidence.Timestamp{}, fmt.Errorf("time: params must be an object: %w", err)
	}
	if len(tp.Timestamp) == 0 {
		return evidence.Timestamp{}, fmt.Errorf("time: missing timestamp param")
	}
	if now.Logical != nil {
		n, err := strconv.ParseUint(string(bytes.TrimSpace(tp.Timestamp)), 10, 64)
		if err != nil {
			return evidence.Timestamp{}, fmt.Errorf("time: logical timestamp must be an unsigned integer")
		}
		return evidence.Logical(n), nil
	}

	var s string
	if err := json.Unmarshal(tp.Timestamp, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return evidence.Timestamp{}, fmt.Errorf("time: invalid rfc3339 timestamp %q", s)
		}
		return evidence.UnixMillis(t.UnixMilli()), nil
	}
	ms, err := strconv.ParseInt(string(bytes.TrimSpace(tp.Timestamp)), 10, 64)
	if err != nil {
		return evidence.Timestamp{}, fmt.Errorf("time: timestamp must be integer milliseconds or rfc3339")
	}
	return evidence.UnixMillis(ms), nil
}
