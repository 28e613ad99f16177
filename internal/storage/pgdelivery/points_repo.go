package pgdelivery

import (
	"context"

	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) InsertTrackingPoint(ctx context.Context, p models.TrackingPoint) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO entregas_rastreamento (entrega_id, motorista_lat, motorista_lng, "timestamp")
VALUES ($1, $2, $3, $4)
`, p.OrderID, p.Latitude, p.Longitude, p.CapturedAt.UTC())
	return errors.Wrap(err, "insert tracking point")
}

// ListTrackingPoints returns the points of an order ordered by capture time.
func (s *Storage) ListTrackingPoints(ctx context.Context, orderID int64, limit int) ([]models.TrackingPoint, error) {
	if limit <= 0 {
		limit = models.DefaultPointsLimit
	}
	limit = min(limit, models.MaxPointsLimit)

	rows, err := s.db.Query(ctx, `
SELECT entrega_id, motorista_lat, motorista_lng, "timestamp"
FROM entregas_rastreamento
WHERE entrega_id = $1
ORDER BY "timestamp" ASC
LIMIT $2
`, orderID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking points")
	}
	defer rows.Close()

	out := make([]models.TrackingPoint, 0)
	for rows.Next() {
		var p models.TrackingPoint
		if err := rows.Scan(&p.OrderID, &p.Latitude, &p.Longitude, &p.CapturedAt); err != nil {
			return nil, errors.Wrap(err, "scan tracking point")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
