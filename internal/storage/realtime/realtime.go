package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/CourierTrack/internal/broker/messages"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrdersByCourier(ctx context.Context, courierID string) ([]*models.Order, error)
	UpdateOrder(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error)
	InsertTrackingPoint(ctx context.Context, p models.TrackingPoint) error
	ListTrackingPoints(ctx context.Context, orderID int64, limit int) ([]models.TrackingPoint, error)
	FindCourierByName(ctx context.Context, name string) (*models.Courier, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Consumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

// Store is the database plus its change feed: every successful mutation is
// followed by an OrderChanged broadcast, and Subscribe tails that feed.
type Store struct {
	repo        Repository
	producer    Producer
	topic       string
	newConsumer func() Consumer
	now         func() time.Time
}

func New(repo Repository, producer Producer, topic string, newConsumer func() Consumer) *Store {
	return &Store{
		repo:        repo,
		producer:    producer,
		topic:       topic,
		newConsumer: newConsumer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Store) ListOrdersByCourier(ctx context.Context, courierID string) ([]*models.Order, error) {
	return s.repo.ListOrdersByCourier(ctx, courierID)
}

func (s *Store) FindCourierByName(ctx context.Context, name string) (*models.Courier, error) {
	return s.repo.FindCourierByName(ctx, name)
}

func (s *Store) ListTrackingPoints(ctx context.Context, orderID int64, limit int) ([]models.TrackingPoint, error) {
	return s.repo.ListTrackingPoints(ctx, orderID, limit)
}

func (s *Store) UpdateOrder(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error) {
	o, err := s.repo.UpdateOrder(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, messages.OrderChanged{
		Table:     messages.TableOrders,
		Type:      messages.EventUpdate,
		OrderID:   o.ID,
		CourierID: o.CourierID,
		Status:    string(o.Status),
	})
	return o, nil
}

func (s *Store) InsertTrackingPoint(ctx context.Context, p models.TrackingPoint) error {
	if err := s.repo.InsertTrackingPoint(ctx, p); err != nil {
		return err
	}
	s.broadcast(ctx, messages.OrderChanged{
		Table:   messages.TableTrackingPoints,
		Type:    messages.EventInsert,
		OrderID: p.OrderID,
	})
	return nil
}

// broadcast never fails the caller: the row is already committed.
func (s *Store) broadcast(ctx context.Context, ev messages.OrderChanged) {
	if s.producer == nil || s.topic == "" {
		return
	}
	ev.EventID = uuid.NewString()
	ev.CommittedAt = s.now()

	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal order change", "order_id", ev.OrderID, "error", err.Error())
		return
	}
	key := []byte(strconv.FormatInt(ev.OrderID, 10))
	if err := s.producer.Publish(ctx, s.topic, key, b); err != nil {
		slog.Error("publish order change", "order_id", ev.OrderID, "table", ev.Table, "error", err.Error())
	}
}

// Subscribe tails the change feed and delivers the events that pass f.
// The subscription ends when ctx is done or Cancel is called.
func (s *Store) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if s.newConsumer == nil {
		return nil, errors.New("change feed is not configured")
	}
	c := s.newConsumer()

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan messages.OrderChanged, 64)
	sub := newSubscription(events, cancel)

	go func() {
		defer close(sub.done)
		defer close(events)
		defer c.Close()

		err := c.Consume(ctx, func(key, value []byte) error {
			var ev messages.OrderChanged
			if err := json.Unmarshal(value, &ev); err != nil {
				// a malformed message must not block the feed
				slog.Warn("decode order change", "key", string(key), "error", err.Error())
				return nil
			}
			if !f.matches(ev) {
				return nil
			}
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("change feed stopped", "error", err.Error())
			sub.setErr(err)
		}
	}()

	return sub, nil
}
