package job

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestHashRoundTrip(t *testing.T) {
	every := int64(5000)
	end := time.Now().Add(time.Hour).UTC()
	j := New("send-email", json.RawMessage(`{"to":"a@b.com"}`), Options{
		Priority: 3,
		Attempts: 5,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 10 * time.Second},
		Repeat:   &RepeatOptions{Every: &every, EndDate: &end},
	})
	j.ID = "42"
	j.AttemptsStarted = 2
	j.AttemptsMade = 1
	j.Stacktrace = []string{"line1", "line2"}

	h, err := j.ToHash()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := FromHash(j.ID, h)
	if err != nil {
		t.Fatal(err)
	}

	if j2.Name != j.Name || string(j2.Data) != string(j.Data) {
		t.Fatalf("name/data mismatch: %+v vs %+v", j2, j)
	}
	if j2.Priority != j.Priority || j2.AttemptsMax != j.AttemptsMax {
		t.Fatalf("priority/attempts mismatch")
	}
	if j2.Opts.Repeat == nil || j2.Opts.Repeat.EndDate == nil {
		t.Fatalf("expected repeat endDate preserved")
	}
	if len(j2.Stacktrace) != 2 {
		t.Fatalf("expected stacktrace round trip, got %v", j2.Stacktrace)
	}
}

func TestHashRoundTripCompressesLargePayload(t *testing.T) {
	big := make([]byte, compressThreshold*4)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	data, err := json.Marshal(map[string]string{"blob": string(big)})
	if err != nil {
		t.Fatal(err)
	}
	j := New("ingest", data, Options{})
	j.ID = "7"

	h, err := j.ToHash()
	if err != nil {
		t.Fatal(err)
	}
	if h["dataEncoding"] != "zstd" {
		t.Fatalf("expected zstd encoding for large payload, got %q", h["dataEncoding"])
	}
	if len(h["data"]) >= len(data) {
		t.Fatalf("expected compressed data to be smaller: %d vs %d", len(h["data"]), len(data))
	}

	j2, err := FromHash(j.ID, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(j2.Data) != string(data) {
		t.Fatalf("decompressed data mismatch")
	}
}

func TestRemovePolicyJSON(t *testing.T) {
	cases := []string{`true`, `false`, `5`, `{"count":5,"age":60000}`}
	for _, c := range cases {
		var r RemovePolicy
		if err := json.Unmarshal([]byte(c), &r); err != nil {
			t.Fatalf("unmarshal %q: %v", c, err)
		}
		if _, err := r.MarshalJSON(); err != nil {
			t.Fatalf("marshal %q: %v", c, err)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	b := Backoff{Type: BackoffExponential, Delay: 10 * time.Second}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, w := range want {
		if got := NextBackoff(b, i+1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestNextBackoffWithStrategiesResolvesCustom(t *testing.T) {
	strategies := NewBackoffStrategies()
	strategies.Register("fixed-5s", func(attemptsMade int, failErr error, j *Job) time.Duration {
		return 5 * time.Second
	})

	b := Backoff{Type: BackoffCustom, CustomName: "fixed-5s", Delay: time.Hour}
	got := NextBackoffWithStrategies(b, 1, nil, nil, strategies)
	if got != 5*time.Second {
		t.Fatalf("expected registered strategy's delay, got %v", got)
	}
}

func TestNextBackoffWithStrategiesFallsBackWhenUnregistered(t *testing.T) {
	b := Backoff{Type: BackoffCustom, CustomName: "missing", Delay: 3 * time.Second}
	got := NextBackoffWithStrategies(b, 1, nil, nil, NewBackoffStrategies())
	if got != 3*time.Second {
		t.Fatalf("expected fallback to b.Delay, got %v", got)
	}
}

func TestSkipDelayOnErrorPatternSkipsMatchingErrors(t *testing.T) {
	strategy := SkipDelayOnErrorPattern("validation", DecorrelatedJitterStrategy(time.Second, time.Minute, 2.0))

	got := strategy(1, fmt.Errorf("validation failed: missing field"), nil)
	if got != 0 {
		t.Fatalf("expected zero delay on matching error, got %v", got)
	}

	got = strategy(1, fmt.Errorf("connection reset"), nil)
	if got <= 0 {
		t.Fatalf("expected nonzero fallback delay on non-matching error, got %v", got)
	}
}

func TestValidateOptionsConflict(t *testing.T) {
	every := int64(1000)
	opts := Options{Repeat: &RepeatOptions{Pattern: "* * * * * *", Every: &every}}
	err := ValidateOptions(opts, time.Now())
	if err == nil || err.Error() != "Both .pattern and .every options are defined for this repeatable job" {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestValidateOptionsPastEndDate(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	opts := Options{Repeat: &RepeatOptions{Pattern: "* * * * * *", EndDate: &past}}
	err := ValidateOptions(opts, time.Now())
	if err == nil || err.Error() != "End date must be greater than current timestamp" {
		t.Fatalf("expected past-enddate error, got %v", err)
	}
}
