package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/gf5-dispatch/internal/ingest"
	"github.com/example/gf5-dispatch/internal/models"
)

// fakeApplier implements PositionApplier for tests
type fakeApplier struct {
	failPos  int // number of times to fail ApplyPosition before succeeding
	failMeta int // number of times to fail ApplyMeta before succeeding
	posCalls int
	metaCall int
}

func (f *fakeApplier) ApplyPosition(ctx context.Context, msg ingest.LocationMessage) error {
	f.posCalls++
	if f.posCalls <= f.failPos {
		return errors.New("position fail")
	}
	return nil
}

func (f *fakeApplier) ApplyMeta(ctx context.Context, msg ingest.LocationMessage) error {
	f.metaCall++
	if f.metaCall <= f.failMeta {
		return errors.New("meta fail")
	}
	return nil
}

func sampleMessage() ingest.LocationMessage {
	return ingest.LocationMessage{
		DriverID:  "d1",
		Position:  models.Position{Coord: models.Coord{Lat: 1, Lon: 2}, Timestamp: time.Now()},
		Status:    models.StatusAvailable,
		Rating:    4.5,
		Timestamp: time.Now(),
	}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failPos: 1, failMeta: 1}
	ctx := context.Background()
	start := time.Now()
	if err := applyWithRetry(ctx, f, sampleMessage(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.posCalls < 2 || f.metaCall < 2 {
		t.Fatalf("expected retries, got pos=%d meta=%d", f.posCalls, f.metaCall)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failPos: 5}
	if err := applyWithRetry(context.Background(), f, sampleMessage(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
