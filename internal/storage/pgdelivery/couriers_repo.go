package pgdelivery

import (
	"context"

	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) FindCourierByName(ctx context.Context, name string) (*models.Courier, error) {
	var c models.Courier
	err := s.db.QueryRow(ctx, `
SELECT id, nome
FROM entregadores
WHERE nome = $1
ORDER BY id
LIMIT 1
`, name).Scan(&c.ID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrCourierNotFound, "name %q", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select courier")
	}
	return &c, nil
}
