package deliveries

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/BearBump/CourierTrack/internal/broker/messages"
	"github.com/BearBump/CourierTrack/internal/metrics"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/BearBump/CourierTrack/internal/storage/realtime"
	"github.com/pkg/errors"
)

type Feed interface {
	Subscribe(ctx context.Context, f realtime.Filter) (*realtime.Subscription, error)
}

// Reconcile re-reads the bound courier's orders and replaces the local list.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	courier, ok := c.Courier()
	if !ok {
		return errors.New("no courier bound")
	}

	rows, err := c.store.ListOrdersByCourier(ctx, courier.ID)
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("failed").Inc()
		return models.NewPersistenceError("list orders", err)
	}
	list := normalizeOrders(rows, courier.ID)

	c.mu.Lock()
	c.orders = list
	c.mu.Unlock()
	c.feed.publish(list)

	metrics.ReconciliationsTotal.WithLabelValues("ok").Inc()
	slog.Debug("orders reconciled", "courier_id", courier.ID, "count", len(list))
	return nil
}

// normalizeOrders keeps the courier's rows only, drops duplicate ids and
// sorts by promised delivery, then id.
func normalizeOrders(rows []*models.Order, courierID string) []models.Order {
	out := make([]models.Order, 0, len(rows))
	seen := make(map[int64]struct{}, len(rows))
	for _, o := range rows {
		if o == nil || o.CourierID != courierID {
			continue
		}
		if _, ok := seen[o.ID]; ok {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, *o)
	}
	slices.SortStableFunc(out, func(a, b models.Order) int {
		if c := a.PromisedAt.Compare(b.PromisedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Orders returns the current list, sorted by promised delivery.
func (c *Controller) Orders() []models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.orders)
}

// Subscribe delivers the current list and every later one. A slow reader only
// sees the latest list. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan []models.Order, func()) {
	return c.feed.subscribe()
}

// Run reconciles on every change to an order of the bound courier until ctx
// is done or the feed stops.
func (c *Controller) Run(ctx context.Context, feed Feed) error {
	courier, ok := c.Courier()
	if !ok {
		return errors.New("no courier bound")
	}

	sub, err := feed.Subscribe(ctx, realtime.Filter{
		Table:  messages.TableOrders,
		Events: []messages.EventType{messages.EventInsert, messages.EventUpdate, messages.EventDelete},
		Match: func(ev messages.OrderChanged) bool {
			return ev.CourierID == courier.ID || ev.OldCourierID == courier.ID
		},
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to order changes")
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return errors.Wrap(err, "order changes feed")
				}
				return ctx.Err()
			}
			metrics.ChangeEventsTotal.Inc()
			slog.Debug("order changed", "order_id", ev.OrderID, "type", string(ev.Type))
			if err := c.Reconcile(ctx); err != nil {
				slog.Error("reconcile orders", "order_id", ev.OrderID, "error", err.Error())
			}
		}
	}
}
