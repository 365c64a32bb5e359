package geo

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

func TestHaversineKnownDistances(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKm                 float64
		tolKm                  float64
	}{
		{name: "same point", lat1: 55.7558, lon1: 37.6173, lat2: 55.7558, lon2: 37.6173, wantKm: 0, tolKm: 0.001},
		{name: "moscow to spb", lat1: 55.7558, lon1: 37.6173, lat2: 59.9343, lon2: 30.3351, wantKm: 634, tolKm: 5},
		{name: "one degree of latitude", lat1: 0, lon1: 0, lat2: 1, lon2: 0, wantKm: 111.2, tolKm: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.wantKm) > tt.tolKm {
				t.Fatalf("HaversineKm = %.3f, want %.1f ± %.1f", got, tt.wantKm, tt.tolKm)
			}
		})
	}
}

func newTestIndex(t *testing.T) (*Index, *storage.DB) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "geo.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewIndex(db, logx.Nop()), db
}

func addExecutor(t *testing.T, db *storage.DB, id int64, lat, lon float64, available bool) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	av := 0
	if available {
		av = 1
	}
	_, err := db.SQL().Exec(
		`INSERT INTO users(tg_id, role, available, lat, lon, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		id, "executor", av, lat, lon, now, now)
	if err != nil {
		t.Fatalf("insert executor %d: %v", id, err)
	}
}

func TestCandidatesFilterSortTruncate(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	const lat, lon = 55.7558, 37.6173
	north := func(km float64) float64 { return lat + km/111.195 }

	addExecutor(t, db, 2, north(2), lon, true)
	addExecutor(t, db, 3, north(0.5), lon, true)
	addExecutor(t, db, 4, north(4), lon, true)  // beyond radius
	addExecutor(t, db, 5, north(1), lon, false) // offline
	addExecutor(t, db, 6, north(1), lon, true)  // the excluded creator

	cands, err := idx.Candidates(ctx, lat, lon, 3, 10, 6)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	// Ascending by distance.
	if cands[0].ExecutorID != 3 || cands[1].ExecutorID != 2 {
		t.Fatalf("wrong order: %d then %d, want 3 then 2", cands[0].ExecutorID, cands[1].ExecutorID)
	}
	for _, c := range cands {
		if c.DistanceKm == nil {
			t.Fatalf("candidate %d missing distance", c.ExecutorID)
		}
	}
	if *cands[0].DistanceKm > *cands[1].DistanceKm {
		t.Fatal("distances not ascending")
	}

	// Truncation keeps the nearest.
	cands, err = idx.Candidates(ctx, lat, lon, 3, 1, 6)
	if err != nil {
		t.Fatalf("candidates with limit: %v", err)
	}
	if len(cands) != 1 || cands[0].ExecutorID != 3 {
		t.Fatalf("truncated set = %+v, want only executor 3", cands)
	}
}

func TestOnlineCandidatesIgnoreLocation(t *testing.T) {
	idx, db := newTestIndex(t)
	ctx := context.Background()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	// An available executor with no stored location at all.
	if _, err := db.SQL().Exec(
		`INSERT INTO users(tg_id, role, available, created_at, updated_at) VALUES(?,?,?,?,?)`,
		7, "executor", 1, now, now); err != nil {
		t.Fatalf("insert executor: %v", err)
	}
	addExecutor(t, db, 8, 55.0, 37.0, true)
	addExecutor(t, db, 9, 55.0, 37.0, false)

	cands, err := idx.OnlineCandidates(ctx, 10, 1)
	if err != nil {
		t.Fatalf("online candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(cands), cands)
	}
	for _, c := range cands {
		if c.DistanceKm != nil {
			t.Fatalf("candidate %d should carry no distance", c.ExecutorID)
		}
	}
}

func TestSortByDistanceStable(t *testing.T) {
	t.Parallel()
	vals := []float64{5, 1, 4, 2, 3}
	sortByDistance(vals, func(v float64) float64 { return v })
	for i := 1; i < len(vals); i++ {
		if vals[i-1] > vals[i] {
			t.Fatalf("not sorted: %v", vals)
		}
	}
}
