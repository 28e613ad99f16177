package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierTrack/internal/integrations/location"
	"github.com/BearBump/CourierTrack/internal/metrics"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/pkg/errors"
)

type Store interface {
	UpdateOrder(ctx context.Context, id int64, patch models.OrderPatch) (*models.Order, error)
	InsertTrackingPoint(ctx context.Context, p models.TrackingPoint) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type session struct {
	orderID int64
	watch   location.Watch
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the single tracking session of this device. Start, Stop and
// Release are serialized by mu; readers go through the atomic pointer and
// never wait on a pending permission prompt.
type Manager struct {
	store  Store
	source location.Source
	rl     RateLimiter

	policy          location.Policy
	pointsPerMinute int64
	now             func() time.Time

	mu     sync.Mutex
	active atomic.Pointer[session]

	startedAtUnixNano int64
	sessionsStarted   atomic.Int64
	sessionsStopped   atomic.Int64
	fixesReceived     atomic.Int64
	fixesRecorded     atomic.Int64
	fixesFailed       atomic.Int64
	fixesThrottled    atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(store Store, source location.Source, rl RateLimiter) *Manager {
	return &Manager{
		store:             store,
		source:            source,
		rl:                rl,
		policy:            location.TrackingPolicy(),
		pointsPerMinute:   30,
		now:               func() time.Time { return time.Now().UTC() },
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (m *Manager) WithSettings(pointsPerMinute int64) *Manager {
	if pointsPerMinute > 0 {
		m.pointsPerMinute = pointsPerMinute
	}
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Manager) IsTracking() bool {
	return m.active.Load() != nil
}

func (m *Manager) ActiveOrderID() (int64, bool) {
	s := m.active.Load()
	if s == nil {
		return 0, false
	}
	return s.orderID, true
}

// Start binds a new session to orderID. A session already bound to any order
// is superseded first: its flag is cleared and its status is left as is.
func (m *Manager) Start(ctx context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.active.Load(); prev != nil {
		if err := m.stopLocked(ctx, prev.orderID, models.StatusInTransit, false, "superseded"); err != nil {
			return err
		}
	}

	granted, err := m.source.RequestPermission(ctx)
	if err != nil {
		return errors.Wrap(err, "request location permission")
	}
	if !granted {
		slog.Warn("location permission denied", "order_id", orderID)
		return models.ErrPermissionDenied
	}

	patch := models.OrderPatch{}.
		WithStatus(models.StatusInTransit).
		WithTrackingActive(true).
		WithTrackingStartedAt(m.now())
	if _, err := m.store.UpdateOrder(ctx, orderID, patch); err != nil {
		m.setLastError(err)
		return models.NewPersistenceError("start tracking", err)
	}

	// the session outlives the request that started it
	sessCtx, cancel := context.WithCancel(context.Background())
	w, err := m.source.Watch(sessCtx, m.policy)
	if err != nil {
		cancel()
		m.setLastError(err)
		return errors.Wrap(err, "watch position")
	}

	s := &session{orderID: orderID, watch: w, cancel: cancel, done: make(chan struct{})}
	go m.ingest(sessCtx, s)
	m.active.Store(s)

	m.sessionsStarted.Add(1)
	metrics.SessionsStartedTotal.Inc()
	metrics.ActiveSession.Set(1)
	slog.Info("tracking started", "order_id", orderID)
	return nil
}

// Stop tears down the current session, if any, and persists the end of
// tracking for orderID. With updateStatusFields the write also carries the
// target status and the delivery timestamp. Calling it twice is safe.
func (m *Manager) Stop(ctx context.Context, orderID int64, target models.Status, updateStatusFields bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, orderID, target, updateStatusFields, "stopped")
}

// Release tears down the session only if it is bound to orderID. Nothing is written.
func (m *Manager) Release(orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.active.Load()
	if s == nil || s.orderID != orderID {
		return false
	}
	m.teardownLocked("released")
	return true
}

// Shutdown releases the session on process exit without touching the store.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked("shutdown")
}

func (m *Manager) stopLocked(ctx context.Context, orderID int64, target models.Status, updateStatusFields bool, reason string) error {
	m.teardownLocked(reason)

	patch := models.OrderPatch{}.WithTrackingActive(false)
	if updateStatusFields {
		patch = patch.WithStatus(target).WithDeliveredAt(m.now())
	}
	if _, err := m.store.UpdateOrder(ctx, orderID, patch); err != nil {
		slog.Error("persist tracking stop", "order_id", orderID, "reason", reason, "error", err.Error())
		m.setLastError(err)
		return models.NewPersistenceError("stop tracking", err)
	}
	slog.Info("tracking stopped", "order_id", orderID, "reason", reason, "status_updated", updateStatusFields)
	return nil
}

// teardownLocked cancels the watch first so no new fix is emitted, then aborts
// whatever the ingestion goroutine is doing and waits for it to exit.
func (m *Manager) teardownLocked(reason string) {
	s := m.active.Swap(nil)
	if s == nil {
		return
	}
	s.watch.Cancel()
	s.cancel()
	<-s.done

	m.sessionsStopped.Add(1)
	metrics.SessionsStoppedTotal.WithLabelValues(reason).Inc()
	metrics.ActiveSession.Set(0)
}

func (m *Manager) ingest(ctx context.Context, s *session) {
	defer close(s.done)

	fixes := s.watch.Fixes()
	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("position stream closed", "order_id", s.orderID)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			m.record(ctx, s.orderID, fix)
		}
	}
}

func (m *Manager) record(ctx context.Context, orderID int64, fix location.Fix) {
	m.fixesReceived.Add(1)
	metrics.FixesTotal.WithLabelValues("received").Inc()

	if m.rl != nil && m.pointsPerMinute > 0 {
		key := fmt.Sprintf("rl:points:%d:%s", orderID, m.now().Format("200601021504"))
		ok, n, err := m.rl.Allow(ctx, key, m.pointsPerMinute, time.Minute+5*time.Second)
		switch {
		case err != nil:
			// fail open, the limiter is only a guard
			slog.Warn("points rate limit", "order_id", orderID, "error", err.Error())
		case !ok:
			m.fixesThrottled.Add(1)
			metrics.FixesTotal.WithLabelValues("throttled").Inc()
			slog.Warn("fix throttled", "order_id", orderID, "count", n, "limit", m.pointsPerMinute)
			return
		}
	}

	capturedAt := fix.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = m.now()
	}
	err := m.store.InsertTrackingPoint(ctx, models.TrackingPoint{
		OrderID:    orderID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		CapturedAt: capturedAt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fixesFailed.Add(1)
		metrics.FixesTotal.WithLabelValues("failed").Inc()
		m.setLastError(err)
		slog.Error("record tracking point", "order_id", orderID, "error", err.Error())
		return
	}
	m.fixesRecorded.Add(1)
	metrics.FixesTotal.WithLabelValues("recorded").Inc()
}

func (m *Manager) setLastError(err error) {
	m.lastErrorMu.Lock()
	m.lastError = err.Error()
	m.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt       time.Time `json:"startedAt"`
	Active          bool      `json:"active"`
	ActiveOrderID   *int64    `json:"activeOrderId,omitempty"`
	SessionsStarted int64     `json:"sessionsStarted"`
	SessionsStopped int64     `json:"sessionsStopped"`
	FixesReceived   int64     `json:"fixesReceived"`
	FixesRecorded   int64     `json:"fixesRecorded"`
	FixesFailed     int64     `json:"fixesFailed"`
	FixesThrottled  int64     `json:"fixesThrottled"`
	LastError       string    `json:"lastError,omitempty"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, m.startedAtUnixNano).UTC(),
		SessionsStarted: m.sessionsStarted.Load(),
		SessionsStopped: m.sessionsStopped.Load(),
		FixesReceived:   m.fixesReceived.Load(),
		FixesRecorded:   m.fixesRecorded.Load(),
		FixesFailed:     m.fixesFailed.Load(),
		FixesThrottled:  m.fixesThrottled.Load(),
	}
	if id, ok := m.ActiveOrderID(); ok {
		st.Active = true
		st.ActiveOrderID = &id
	}
	m.lastErrorMu.Lock()
	st.LastError = m.lastError
	m.lastErrorMu.Unlock()
	return st
}
