package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesDomainFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})

	l.With(Carrier(1)).Warn(context.Background(), "harq drop",
		RNTI(0x46), PID(3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "harq drop" || rec["level"] != "WARN" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["rnti"] != "0x0046" {
		t.Fatalf("rnti = %v, want 0x0046", rec["rnti"])
	}
	if rec["carrier"] != float64(1) || rec["pid"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("missing fields in %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})
	l.Debug(context.Background(), "dropped")
	l.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Error(context.Background(), "kept")
	if !bytes.Contains(buf.Bytes(), []byte("kept")) {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if len(id) != 36 {
		t.Fatalf("run id %q is not a uuid", id)
	}
	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id || RunIDFromContext(ctx2) != id {
		t.Fatalf("run id changed: %q -> %q", id, id2)
	}
	if RequestIDFromContext(ctx2) != "" {
		t.Fatalf("run id leaked into request id")
	}
}

func TestContextLogger(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("nil logger should be replaced with noop")
	}
	_, l := WithRunLogger(context.Background(), nil)
	l.Info(context.Background(), "noop does not panic")
}
