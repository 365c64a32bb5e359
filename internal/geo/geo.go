// Package geo finds executor candidates for an order by great-circle
// distance over the shared user table.
package geo

import (
	"context"
	"fmt"
	"math"

	"gigbot/internal/storage"
	logx "gigbot/pkg/logx"
)

const earthRadiusKm = 6371.0

// Candidate is an available executor matched to an order. DistanceKm is nil
// when the order has no location and candidates were picked by availability
// alone.
type Candidate struct {
	ExecutorID int64
	DistanceKm *float64
}

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLon := degreesToRadians(lon2 - lon1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

type Index struct {
	db  *storage.DB
	log logx.Logger
}

func NewIndex(db *storage.DB, log logx.Logger) *Index {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Index{db: db, log: log.With(logx.String("component", "geo"))}
}

// Candidates returns available executors with a known location within
// radiusKm of (lat, lon), ascending by distance, truncated to limit.
// exclude (usually the order's creator) is never returned.
func (i *Index) Candidates(ctx context.Context, lat, lon, radiusKm float64, limit int, exclude int64) ([]Candidate, error) {
	rows, err := i.db.SQL().QueryContext(ctx,
		`SELECT tg_id, lat, lon FROM users
		 WHERE role = 'executor' AND available = 1
		   AND lat IS NOT NULL AND lon IS NOT NULL AND tg_id != ?`,
		exclude)
	if err != nil {
		return nil, fmt.Errorf("geo: candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			id         int64
			eLat, eLon float64
		)
		if err := rows.Scan(&id, &eLat, &eLon); err != nil {
			return nil, fmt.Errorf("geo: candidates scan: %w", err)
		}
		d := HaversineKm(lat, lon, eLat, eLon)
		if d <= radiusKm {
			dist := d
			out = append(out, Candidate{ExecutorID: id, DistanceKm: &dist})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geo: candidates: %w", err)
	}

	sortByDistance(out, func(c Candidate) float64 { return *c.DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OnlineCandidates targets orders with no location: any available executor,
// location known or not, up to limit, with no distance attached.
func (i *Index) OnlineCandidates(ctx context.Context, limit int, exclude int64) ([]Candidate, error) {
	rows, err := i.db.SQL().QueryContext(ctx,
		`SELECT tg_id FROM users
		 WHERE role = 'executor' AND available = 1 AND tg_id != ?
		 ORDER BY tg_id LIMIT ?`,
		exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("geo: online candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("geo: online candidates scan: %w", err)
		}
		out = append(out, Candidate{ExecutorID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geo: online candidates: %w", err)
	}
	return out, nil
}

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
