package pgdelivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, origem, destino, descricao_compra, valor::float8,
  data_pedido, previsao_entrega, data_entrega,
  entregador_id, cliente_id, codigo_rastreio,
  situacao_pedido, tracking_ativo, tracking_iniciado_em`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var status string
	var deliveredAt *time.Time
	var trackingCode *string
	var trackingStartedAt *time.Time
	if err := row.Scan(
		&o.ID, &o.Origin, &o.Destination, &o.Description, &o.Value,
		&o.CreatedAt, &o.PromisedAt, &deliveredAt,
		&o.CourierID, &o.CustomerID, &trackingCode,
		&status, &o.TrackingActive, &trackingStartedAt,
	); err != nil {
		return nil, err
	}
	o.Status = models.Status(status)
	o.DeliveredAt = deliveredAt
	o.TrackingCode = trackingCode
	o.TrackingStartedAt = trackingStartedAt
	return &o, nil
}

func (s *Storage) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT`+orderColumns+`
FROM entregas
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrOrderNotFound, "id %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return o, nil
}

func (s *Storage) ListOrdersByCourier(ctx context.Context, courierID string) ([]*models.Order, error) {
	rows, err := s.db.Query(ctx, `SELECT`+orderColumns+`
FROM entregas
WHERE entregador_id = $1
ORDER BY previsao_entrega ASC, id ASC
`, courierID)
	if err != nil {
		return nil, errors.Wrap(err, "select orders")
	}
	defer rows.Close()

	out := make([]*models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateOrder applies every field of the patch in one UPDATE statement and
// returns the row as stored afterwards.
func (s *Storage) UpdateOrder(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error) {
	if patch.IsEmpty() {
		return s.GetOrder(ctx, id)
	}

	args := []any{id}
	sets := make([]string, 0, 4)
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("situacao_pedido", string(*patch.Status))
	}
	if patch.TrackingActive != nil {
		set("tracking_ativo", *patch.TrackingActive)
	}
	if patch.TrackingStartedAt != nil {
		set("tracking_iniciado_em", patch.TrackingStartedAt.UTC())
	}
	if patch.DeliveredAt != nil {
		set("data_entrega", patch.DeliveredAt.UTC())
	}

	q := `UPDATE entregas SET ` + strings.Join(sets, ", ") + `
WHERE id = $1
RETURNING` + orderColumns

	o, err := scanOrder(s.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrOrderNotFound, "id %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update order")
	}
	return o, nil
}
