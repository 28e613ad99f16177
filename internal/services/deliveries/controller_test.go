package deliveries

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierTrack/internal/broker/messages"
	"github.com/BearBump/CourierTrack/internal/integrations/location/fake"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/BearBump/CourierTrack/internal/services/tracking"
	"github.com/BearBump/CourierTrack/internal/storage/realtime"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type memStore struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	extra     []*models.Order
	updates   int
	updateErr error
	listErr   error
	points    []models.TrackingPoint
	pointsErr error
}

func newMemStore(orders ...models.Order) *memStore {
	st := &memStore{orders: map[int64]*models.Order{}}
	for i := range orders {
		st.put(orders[i])
	}
	return st
}

func (s *memStore) put(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = &o
}

func (s *memStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrOrderNotFound, "id %d", id)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) ListOrdersByCourier(ctx context.Context, courierID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Order
	for _, o := range s.orders {
		if o.CourierID == courierID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return append(out, s.extra...), nil
}

func (s *memStore) UpdateOrder(ctx context.Context, id int64, p models.OrderPatch) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	s.updates++
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.TrackingActive != nil {
		o.TrackingActive = *p.TrackingActive
	}
	if p.TrackingStartedAt != nil {
		t := *p.TrackingStartedAt
		o.TrackingStartedAt = &t
	}
	if p.DeliveredAt != nil {
		t := *p.DeliveredAt
		o.DeliveredAt = &t
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) InsertTrackingPoint(ctx context.Context, p models.TrackingPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
	return nil
}

func (s *memStore) ListTrackingPoints(ctx context.Context, orderID int64, limit int) ([]models.TrackingPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pointsErr != nil {
		return nil, s.pointsErr
	}
	var out []models.TrackingPoint
	for _, p := range s.points {
		if p.OrderID == orderID && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) order(id int64) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

func (s *memStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type staticResolver map[string]models.Courier

func (r staticResolver) ResolveCourier(ctx context.Context, name string) (models.Courier, error) {
	c, ok := r[name]
	if !ok {
		return models.Courier{}, errors.Wrapf(models.ErrCourierNotFound, "name %q", name)
	}
	return c, nil
}

var (
	ana   = models.Actor{DisplayName: "Ana"}
	bruno = models.Actor{DisplayName: "Bruno"}
	now   = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

func resolver() staticResolver {
	return staticResolver{
		"Ana":   {ID: "c1", Name: "Ana"},
		"Bruno": {ID: "c2", Name: "Bruno"},
	}
}

type ControllerSuite struct {
	suite.Suite

	ctx   context.Context
	store *memStore
	mgr   *tracking.Manager
	ctrl  *Controller
}

func (s *ControllerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newMemStore(
		models.Order{ID: 1, CourierID: "c1", Status: models.StatusReadyForDispatch, PromisedAt: now.Add(48 * time.Hour)},
		models.Order{ID: 2, CourierID: "c1", Status: models.StatusConfirmed, PromisedAt: now.Add(24 * time.Hour)},
		models.Order{ID: 3, CourierID: "c2", Status: models.StatusConfirmed, PromisedAt: now},
	)
	s.mgr = tracking.New(s.store, fake.New(), nil)
	s.ctrl = New(s.store, s.mgr, resolver()).WithClock(func() time.Time { return now })
}

func (s *ControllerSuite) TearDownTest() {
	s.mgr.Shutdown()
}

func (s *ControllerSuite) TestScenario_SupersedeThenDeliver() {
	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)

	o1, err := s.ctrl.RequestStatusChange(s.ctx, 1, models.StatusInTransit, ana)
	s.Require().NoError(err)
	s.Equal(models.StatusInTransit, o1.Status)
	s.True(o1.TrackingActive)
	s.True(s.mgr.IsTracking())

	o2, err := s.ctrl.RequestStatusChange(s.ctx, 2, models.StatusInTransit, ana)
	s.Require().NoError(err)
	s.Equal(models.StatusInTransit, o2.Status)
	s.True(o2.TrackingActive)

	prev := s.store.order(1)
	s.Equal(models.StatusInTransit, prev.Status)
	s.False(prev.TrackingActive)
	id, ok := s.mgr.ActiveOrderID()
	s.True(ok)
	s.Equal(int64(2), id)

	o2, err = s.ctrl.RequestStatusChange(s.ctx, 2, models.StatusDelivered, ana)
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, o2.Status)
	s.False(o2.TrackingActive)
	s.Require().NotNil(o2.DeliveredAt)
	s.Equal(now, *o2.DeliveredAt)
	s.False(s.mgr.IsTracking())

	// local subscribers see the persisted state
	for _, o := range s.ctrl.Orders() {
		if o.ID == 2 {
			s.Equal(models.StatusDelivered, o.Status)
		}
	}
}

func (s *ControllerSuite) TestTransitionTable_FlagFollowsStatus() {
	for _, from := range models.AllStatuses() {
		for _, to := range models.AllStatuses() {
			s.Run(from.Name()+"->"+to.Name(), func() {
				s.mgr.Shutdown()
				s.store.put(models.Order{ID: 10, CourierID: "c1", Status: from})
				if from == models.StatusInTransit {
					s.Require().NoError(s.mgr.Start(s.ctx, 10))
				}

				o, err := s.ctrl.RequestStatusChange(s.ctx, 10, to, ana)
				s.Require().NoError(err)

				stored := s.store.order(10)
				s.Equal(to, stored.Status)
				s.Equal(stored.Status == models.StatusInTransit, stored.TrackingActive)
				s.Equal(to == models.StatusInTransit, s.mgr.IsTracking())
				s.Equal(stored, *o)
				if to.ClosesDelivery() {
					s.NotNil(stored.DeliveredAt)
				}
			})
		}
	}
}

func (s *ControllerSuite) TestNonClosingTargetClearsStaleFlag() {
	s.store.put(models.Order{ID: 10, CourierID: "c1", Status: models.StatusInTransit, TrackingActive: true})

	o, err := s.ctrl.RequestStatusChange(s.ctx, 10, models.StatusLost, ana)
	s.Require().NoError(err)
	s.Equal(models.StatusLost, o.Status)
	s.False(o.TrackingActive)
	s.Nil(o.DeliveredAt)
}

func (s *ControllerSuite) TestAuthorization_RejectedBeforeSideEffects() {
	_, err := s.ctrl.RequestStatusChange(s.ctx, 3, models.StatusInTransit, ana)
	s.Require().ErrorIs(err, models.ErrAuthorization)
	s.False(s.mgr.IsTracking())
	s.Zero(s.store.updateCount())

	err = s.ctrl.StartTracking(s.ctx, 3, ana)
	s.Require().ErrorIs(err, models.ErrAuthorization)
	err = s.ctrl.StopTracking(s.ctx, 3, models.StatusDelivered, ana)
	s.Require().ErrorIs(err, models.ErrAuthorization)
	s.Zero(s.store.updateCount())
}

func (s *ControllerSuite) TestInvalidInputs() {
	_, err := s.ctrl.RequestStatusChange(s.ctx, 1, models.Status("shipped"), ana)
	s.Require().ErrorIs(err, models.ErrInvalidStatus)

	_, err = s.ctrl.RequestStatusChange(s.ctx, 99, models.StatusLost, ana)
	s.Require().ErrorIs(err, models.ErrOrderNotFound)

	_, err = s.ctrl.RequestStatusChange(s.ctx, 1, models.StatusLost, models.Actor{DisplayName: "Nobody"})
	s.Require().ErrorIs(err, models.ErrCourierNotFound)

	err = s.ctrl.StopTracking(s.ctx, 1, models.StatusLost, ana)
	s.Require().ErrorIs(err, models.ErrInvalidStatus)
	s.Zero(s.store.updateCount())
}

func (s *ControllerSuite) TestPersistenceFailure() {
	s.store.updateErr = errors.New("db down")

	_, err := s.ctrl.RequestStatusChange(s.ctx, 1, models.StatusDamaged, ana)
	s.Require().ErrorIs(err, models.ErrPersistence)

	_, err = s.ctrl.RequestStatusChange(s.ctx, 1, models.StatusInTransit, ana)
	s.Require().ErrorIs(err, models.ErrPersistence)
	s.False(s.mgr.IsTracking())
}

func (s *ControllerSuite) TestStartAndStopTracking() {
	s.Require().NoError(s.ctrl.StartTracking(s.ctx, 1, ana))
	s.True(s.mgr.IsTracking())

	s.Require().NoError(s.ctrl.StopTracking(s.ctx, 1, models.StatusDeliveryFailed, ana))
	s.Require().NoError(s.ctrl.StopTracking(s.ctx, 1, models.StatusDeliveryFailed, ana))

	o := s.store.order(1)
	s.Equal(models.StatusDeliveryFailed, o.Status)
	s.False(o.TrackingActive)
	s.NotNil(o.DeliveredAt)
	s.False(s.mgr.IsTracking())
}

func (s *ControllerSuite) TestStopTracking_OtherOrderLeavesStaleFlagUntilNextChange() {
	s.Require().NoError(s.ctrl.StartTracking(s.ctx, 2, ana))
	s.Require().NoError(s.ctrl.StopTracking(s.ctx, 1, models.StatusDelivered, ana))

	s.False(s.mgr.IsTracking())
	s.Equal(models.StatusDelivered, s.store.order(1).Status)
	s.True(s.store.order(2).TrackingActive)

	_, err := s.ctrl.RequestStatusChange(s.ctx, 2, models.StatusReadyForDispatch, ana)
	s.Require().NoError(err)
	s.False(s.store.order(2).TrackingActive)
}

func (s *ControllerSuite) TestTrackingPoints_OwnedOrdersOnly() {
	s.store.points = []models.TrackingPoint{
		{OrderID: 1, Latitude: 1, Longitude: 1},
		{OrderID: 3, Latitude: 3, Longitude: 3},
		{OrderID: 1, Latitude: 2, Longitude: 2},
	}

	pts, err := s.ctrl.TrackingPoints(s.ctx, 1, 10, ana)
	s.Require().NoError(err)
	s.Len(pts, 2)

	_, err = s.ctrl.TrackingPoints(s.ctx, 3, 10, ana)
	s.Require().ErrorIs(err, models.ErrAuthorization)

	_, err = s.ctrl.TrackingPoints(s.ctx, 99, 10, ana)
	s.Require().ErrorIs(err, models.ErrOrderNotFound)

	s.store.pointsErr = errors.New("db down")
	_, err = s.ctrl.TrackingPoints(s.ctx, 1, 10, ana)
	s.Require().ErrorIs(err, models.ErrPersistence)
}

func (s *ControllerSuite) TestEmptyActorActsAsBoundCourier() {
	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)

	_, err = s.ctrl.RequestStatusChange(s.ctx, 2, models.StatusReadyForDispatch, models.Actor{})
	s.Require().NoError(err)
	s.Equal(models.StatusReadyForDispatch, s.store.order(2).Status)
}

func (s *ControllerSuite) TestReconcile_SortedDedupedScoped() {
	s.store.extra = []*models.Order{
		{ID: 2, CourierID: "c1", PromisedAt: now.Add(24 * time.Hour)},
		{ID: 3, CourierID: "c2", PromisedAt: now},
		{ID: 4, CourierID: "c1", PromisedAt: now.Add(24 * time.Hour)},
		nil,
	}
	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)

	var ids []int64
	for _, o := range s.ctrl.Orders() {
		s.Equal("c1", o.CourierID)
		ids = append(ids, o.ID)
	}
	s.Equal([]int64{2, 4, 1}, ids)
}

func (s *ControllerSuite) TestReconcile_Failure() {
	s.Require().Error(s.ctrl.Reconcile(s.ctx))

	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)
	s.store.listErr = errors.New("db down")
	s.Require().ErrorIs(s.ctrl.Reconcile(s.ctx), models.ErrPersistence)
	s.Len(s.ctrl.Orders(), 2)
}

func (s *ControllerSuite) TestSubscribe_LatestWins() {
	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)

	ch, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	s.store.put(models.Order{ID: 5, CourierID: "c1", PromisedAt: now})
	s.Require().NoError(s.ctrl.Reconcile(s.ctx))
	s.store.put(models.Order{ID: 6, CourierID: "c1", PromisedAt: now})
	s.Require().NoError(s.ctrl.Reconcile(s.ctx))

	select {
	case list := <-ch:
		s.Len(list, 4)
	default:
		s.Fail("no snapshot delivered")
	}
	select {
	case <-ch:
		s.Fail("stale snapshot left in channel")
	default:
	}

	unsubscribe()
	_, ok := <-ch
	s.False(ok)
}

func (s *ControllerSuite) TestSubscribe_ListsAreNotShared() {
	_, err := s.ctrl.Bind(s.ctx, ana)
	s.Require().NoError(err)

	ch1, unsub1 := s.ctrl.Subscribe()
	defer unsub1()
	ch2, unsub2 := s.ctrl.Subscribe()
	defer unsub2()

	s.store.put(models.Order{ID: 5, CourierID: "c1", PromisedAt: now})
	s.Require().NoError(s.ctrl.Reconcile(s.ctx))

	l1 := <-ch1
	l2 := <-ch2
	s.Require().Len(l1, 3)
	l1[0].Status = models.StatusLost

	s.NotEqual(models.StatusLost, l2[0].Status)
	s.NotEqual(models.StatusLost, s.ctrl.Orders()[0].Status)

	ch3, unsub3 := s.ctrl.Subscribe()
	defer unsub3()
	s.NotEqual(models.StatusLost, (<-ch3)[0].Status)
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

type trackerMock struct {
	mock.Mock
}

func (m *trackerMock) Start(ctx context.Context, orderID int64) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *trackerMock) Stop(ctx context.Context, orderID int64, target models.Status, updateStatusFields bool) error {
	return m.Called(ctx, orderID, target, updateStatusFields).Error(0)
}

func (m *trackerMock) Release(orderID int64) bool {
	return m.Called(orderID).Bool(0)
}

func TestController_InTransitDelegatesStatusWrite(t *testing.T) {
	store := newMemStore(models.Order{ID: 1, CourierID: "c1", Status: models.StatusConfirmed})
	tr := &trackerMock{}
	tr.On("Start", mock.Anything, int64(1)).Return(nil).Once()

	_, err := New(store, tr, resolver()).RequestStatusChange(context.Background(), 1, models.StatusInTransit, ana)
	require.NoError(t, err)
	require.Zero(t, store.updateCount())
	tr.AssertExpectations(t)
}

func TestController_DeliveredReleasesWithoutTrackerWrite(t *testing.T) {
	store := newMemStore(models.Order{ID: 1, CourierID: "c1", Status: models.StatusInTransit, TrackingActive: true})
	tr := &trackerMock{}
	tr.On("Release", int64(1)).Return(true).Once()

	_, err := New(store, tr, resolver()).RequestStatusChange(context.Background(), 1, models.StatusDelivered, ana)
	require.NoError(t, err)
	require.Equal(t, 1, store.updateCount())
	tr.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	tr.AssertExpectations(t)
}

func TestController_PermissionDeniedSurfaces(t *testing.T) {
	store := newMemStore(models.Order{ID: 1, CourierID: "c1", Status: models.StatusReadyForDispatch})
	mgr := tracking.New(store, fake.New().WithPermission(false), nil)

	err := New(store, mgr, resolver()).StartTracking(context.Background(), 1, ana)
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	require.Equal(t, models.StatusReadyForDispatch, store.order(1).Status)
	require.False(t, mgr.IsTracking())
}

type fakeFeed struct {
	events chan messages.OrderChanged
	filter realtime.Filter
}

func (f *fakeFeed) Subscribe(ctx context.Context, filter realtime.Filter) (*realtime.Subscription, error) {
	f.filter = filter
	var once sync.Once
	return realtime.NewSubscription(f.events, func() {
		once.Do(func() { close(f.events) })
	}), nil
}

func TestController_RunReconcilesOnChange(t *testing.T) {
	store := newMemStore(models.Order{ID: 1, CourierID: "c1", PromisedAt: now})
	mgr := tracking.New(store, fake.New(), nil)
	ctrl := New(store, mgr, resolver())
	_, err := ctrl.Bind(context.Background(), ana)
	require.NoError(t, err)

	feed := &fakeFeed{events: make(chan messages.OrderChanged)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, feed) }()

	// an operator assigned a new order elsewhere
	store.put(models.Order{ID: 2, CourierID: "c1", PromisedAt: now.Add(-time.Hour)})
	feed.events <- messages.OrderChanged{Table: messages.TableOrders, Type: messages.EventInsert, OrderID: 2, CourierID: "c1"}

	require.Eventually(t, func() bool { return len(ctrl.Orders()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), ctrl.Orders()[0].ID)

	require.Equal(t, messages.TableOrders, feed.filter.Table)
	require.Len(t, feed.filter.Events, 3)
	require.True(t, feed.filter.Match(messages.OrderChanged{CourierID: "c1"}))
	require.True(t, feed.filter.Match(messages.OrderChanged{CourierID: "c2", OldCourierID: "c1"}))
	require.False(t, feed.filter.Match(messages.OrderChanged{CourierID: "c2"}))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestController_RunRequiresBinding(t *testing.T) {
	ctrl := New(newMemStore(), &trackerMock{}, resolver())
	require.Error(t, ctrl.Run(context.Background(), &fakeFeed{events: make(chan messages.OrderChanged)}))
}

func TestNormalizeOrders_StableTies(t *testing.T) {
	rows := []*models.Order{
		{ID: 9, CourierID: "c1", PromisedAt: now},
		{ID: 3, CourierID: "c1", PromisedAt: now},
		{ID: 5, CourierID: "c1", PromisedAt: now.Add(-time.Minute)},
	}
	out := normalizeOrders(rows, "c1")
	require.Equal(t, int64(5), out[0].ID)
	require.Equal(t, int64(3), out[1].ID)
	require.Equal(t, int64(9), out[2].ID)
}
