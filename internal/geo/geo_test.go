package geo

import (
	"math"
	"testing"

	"github.com/example/gf5-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	if d := Haversine(48.8566, 2.3522, 48.8566, 2.3522); d != 0 {
		t.Fatalf("point to itself must be 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Haversine(40.7128, -74.0060, 51.5074, -0.1278)
	b := Haversine(51.5074, -0.1278, 40.7128, -74.0060)
	if math.Abs(a-b) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", a, b)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// New York to London is roughly 5570 km
	d := Haversine(40.7128, -74.0060, 51.5074, -0.1278)
	if d < 5500 || d > 5600 {
		t.Fatalf("NY-London distance out of range: %f km", d)
	}
}

func TestIndexNearbyFiltersUnavailable(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "a", Loc: models.Coord{Lat: 0, Lon: 0}, Status: models.StatusAvailable})
	idx.Upsert(models.Driver{ID: "b", Loc: models.Coord{Lat: 0, Lon: 0}, Status: models.StatusBusy})
	idx.Upsert(models.Driver{ID: "c", Loc: models.Coord{Lat: 0, Lon: 0}, Status: models.StatusOffline})
	idx.Upsert(models.Driver{ID: "d", Loc: models.Coord{Lat: 0, Lon: 0}, Status: models.StatusIdle})

	got, err := idx.Nearby(0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only driver a, got %+v", got)
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 2, Lon: 2}, Status: models.StatusAvailable})
	idx.Upsert(models.Driver{ID: "near", Loc: models.Coord{Lat: 0.1, Lon: 0.1}, Status: models.StatusAvailable})
	idx.Upsert(models.Driver{ID: "mid", Loc: models.Coord{Lat: 1, Lon: 1}, Status: models.StatusAvailable})

	got, err := idx.Nearby(0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("wrong order: %+v", got)
	}
}

func TestIndexAvailableSnapshot(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "a", Status: models.StatusAvailable, Rating: 4.8,
		Vehicle: models.Vehicle{Model: "Model 3", LicensePlate: "GF5-001"}})
	idx.Upsert(models.Driver{ID: "b", Status: models.StatusOffline})

	got, err := idx.Available()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only a, got %+v", got)
	}
	if got[0].Vehicle.LicensePlate != "GF5-001" {
		t.Fatalf("vehicle descriptor lost: %+v", got[0])
	}
}

func TestIndexUpsertOverwrites(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "a", Status: models.StatusAvailable})
	idx.Upsert(models.Driver{ID: "a", Status: models.StatusBusy})
	if got, _ := idx.Available(); len(got) != 0 {
		t.Fatalf("stale availability: %+v", got)
	}
	d, ok := idx.Get("a")
	if !ok || d.Status != models.StatusBusy {
		t.Fatalf("expected busy, got %+v", d)
	}
}
