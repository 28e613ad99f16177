package deliveries

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/CourierTrack/internal/metrics"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/pkg/errors"
)

type Store interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrdersByCourier(ctx context.Context, courierID string) ([]*models.Order, error)
	UpdateOrder(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error)
	ListTrackingPoints(ctx context.Context, orderID int64, limit int) ([]models.TrackingPoint, error)
}

type Tracker interface {
	Start(ctx context.Context, orderID int64) error
	Stop(ctx context.Context, orderID int64, target models.Status, updateStatusFields bool) error
	Release(orderID int64) bool
}

type CourierResolver interface {
	ResolveCourier(ctx context.Context, displayName string) (models.Courier, error)
}

// Controller applies status changes for the courier bound to this device and
// keeps that courier's order list current for local subscribers.
type Controller struct {
	store    Store
	tracker  Tracker
	couriers CourierResolver
	now      func() time.Time

	mu      sync.RWMutex
	courier *models.Courier
	orders  []models.Order

	reconcileMu sync.Mutex
	feed        *broadcaster
}

func New(store Store, tracker Tracker, couriers CourierResolver) *Controller {
	return &Controller{
		store:    store,
		tracker:  tracker,
		couriers: couriers,
		now:      func() time.Time { return time.Now().UTC() },
		feed:     newBroadcaster(),
	}
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	if now != nil {
		c.now = now
	}
	return c
}

// Bind resolves the device's courier and loads its orders.
func (c *Controller) Bind(ctx context.Context, actor models.Actor) (models.Courier, error) {
	courier, err := c.couriers.ResolveCourier(ctx, actor.DisplayName)
	if err != nil {
		return models.Courier{}, err
	}
	c.mu.Lock()
	c.courier = &courier
	c.mu.Unlock()
	slog.Info("courier bound", "courier_id", courier.ID, "name", courier.Name)

	if err := c.Reconcile(ctx); err != nil {
		return courier, err
	}
	return courier, nil
}

func (c *Controller) Courier() (models.Courier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.courier == nil {
		return models.Courier{}, false
	}
	return *c.courier, true
}

// RequestStatusChange moves the order to target. Side effects depend only on
// target, never on the current status.
func (c *Controller) RequestStatusChange(ctx context.Context, orderID int64, target models.Status, actor models.Actor) (*models.Order, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	current, err := c.authorize(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}

	o, err := c.apply(ctx, current, target)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("status_change").Inc()
		slog.Error("status change", "order_id", orderID, "status", target.Name(), "error", err.Error())
		return nil, err
	}
	metrics.StatusChangesTotal.WithLabelValues(target.Name()).Inc()
	slog.Info("status changed", "order_id", orderID, "from", current.Status.Name(), "to", target.Name())

	c.refresh(ctx)
	return o, nil
}

func (c *Controller) apply(ctx context.Context, current *models.Order, target models.Status) (*models.Order, error) {
	switch {
	case target == models.StatusInTransit:
		// the tracker writes the status together with the tracking flag
		if err := c.tracker.Start(ctx, current.ID); err != nil {
			return nil, err
		}
		o, err := c.store.GetOrder(ctx, current.ID)
		if err != nil {
			return nil, models.NewPersistenceError("read order", err)
		}
		return o, nil

	case target.ClosesDelivery():
		c.tracker.Release(current.ID)
		patch := models.OrderPatch{}.
			WithStatus(target).
			WithTrackingActive(false).
			WithDeliveredAt(c.now())
		return c.update(ctx, current.ID, patch)

	default:
		patch := models.OrderPatch{}.WithStatus(target)
		if c.tracker.Release(current.ID) || current.TrackingActive {
			patch = patch.WithTrackingActive(false)
		}
		return c.update(ctx, current.ID, patch)
	}
}

func (c *Controller) update(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error) {
	o, err := c.store.UpdateOrder(ctx, id, patch)
	if err != nil {
		return nil, models.NewPersistenceError("update order", err)
	}
	return o, nil
}

// StartTracking binds a tracking session to the order. The status becomes in transit.
func (c *Controller) StartTracking(ctx context.Context, orderID int64, actor models.Actor) error {
	if _, err := c.authorize(ctx, orderID, actor); err != nil {
		return err
	}
	if err := c.tracker.Start(ctx, orderID); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("start_tracking").Inc()
		return err
	}
	metrics.StatusChangesTotal.WithLabelValues(models.StatusInTransit.Name()).Inc()
	c.refresh(ctx)
	return nil
}

// StopTracking ends tracking for the order with a closing status.
func (c *Controller) StopTracking(ctx context.Context, orderID int64, target models.Status, actor models.Actor) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if !target.ClosesDelivery() {
		return errors.Wrapf(models.ErrInvalidStatus, "%s does not end tracking", target.Name())
	}
	if _, err := c.authorize(ctx, orderID, actor); err != nil {
		return err
	}
	if err := c.tracker.Stop(ctx, orderID, target, true); err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("stop_tracking").Inc()
		return err
	}
	metrics.StatusChangesTotal.WithLabelValues(target.Name()).Inc()
	c.refresh(ctx)
	return nil
}

// TrackingPoints returns the recorded points of an order owned by the actor.
func (c *Controller) TrackingPoints(ctx context.Context, orderID int64, limit int, actor models.Actor) ([]models.TrackingPoint, error) {
	if _, err := c.authorize(ctx, orderID, actor); err != nil {
		return nil, err
	}
	pts, err := c.store.ListTrackingPoints(ctx, orderID, limit)
	if err != nil {
		return nil, models.NewPersistenceError("list tracking points", err)
	}
	return pts, nil
}

// authorize returns the order if it belongs to the actor's courier. An actor
// without a name acts as the bound courier.
func (c *Controller) authorize(ctx context.Context, orderID int64, actor models.Actor) (*models.Order, error) {
	courier, err := c.resolveActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			return nil, err
		}
		return nil, models.NewPersistenceError("read order", err)
	}
	if o.CourierID != courier.ID {
		slog.Warn("order not owned by actor", "order_id", orderID, "courier_id", courier.ID)
		return nil, errors.Wrapf(models.ErrAuthorization, "order %d", orderID)
	}
	return o, nil
}

func (c *Controller) resolveActor(ctx context.Context, actor models.Actor) (models.Courier, error) {
	if actor.DisplayName == "" {
		if courier, ok := c.Courier(); ok {
			return courier, nil
		}
	}
	return c.couriers.ResolveCourier(ctx, actor.DisplayName)
}

func (c *Controller) refresh(ctx context.Context) {
	if _, ok := c.Courier(); !ok {
		return
	}
	if err := c.Reconcile(ctx); err != nil {
		slog.Warn("refresh orders", "error", err.Error())
	}
}
