package deliveries_api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/BearBump/CourierTrack/internal/services/tracking"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ActorHeader carries the display name of the courier making the request.
const ActorHeader = "X-Courier-Name"

type Controller interface {
	Orders() []models.Order
	Subscribe() (<-chan []models.Order, func())
	RequestStatusChange(ctx context.Context, orderID int64, target models.Status, actor models.Actor) (*models.Order, error)
	StartTracking(ctx context.Context, orderID int64, actor models.Actor) error
	StopTracking(ctx context.Context, orderID int64, target models.Status, actor models.Actor) error
	TrackingPoints(ctx context.Context, orderID int64, limit int, actor models.Actor) ([]models.TrackingPoint, error)
}

type Tracker interface {
	IsTracking() bool
	ActiveOrderID() (int64, bool)
	Stats() tracking.Stats
}

type DeliveriesAPI struct {
	ctrl      Controller
	tracker   Tracker
	mux       *runtime.ServeMux
	now       func() time.Time
	keepAlive time.Duration
}

func New(ctrl Controller, tracker Tracker) *DeliveriesAPI {
	return &DeliveriesAPI{
		ctrl:      ctrl,
		tracker:   tracker,
		mux:       runtime.NewServeMux(),
		now:       func() time.Time { return time.Now().UTC() },
		keepAlive: 15 * time.Second,
	}
}

func (a *DeliveriesAPI) Register(mux *runtime.ServeMux) error {
	a.mux = mux
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/orders", a.listOrders},
		{http.MethodGet, "/v1/orders/stream", a.streamOrders},
		{http.MethodPost, "/v1/orders/{id}/status", a.changeStatus},
		{http.MethodPost, "/v1/orders/{id}/tracking/start", a.startTracking},
		{http.MethodPost, "/v1/orders/{id}/tracking/stop", a.stopTracking},
		{http.MethodGet, "/v1/orders/{id}/points", a.listPoints},
		{http.MethodGet, "/v1/tracking", a.trackingState},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return errors.Wrapf(err, "register %s %s", rt.method, rt.path)
		}
	}
	return nil
}

type orderView struct {
	models.Order
	StatusName  string `json:"status_name"`
	Punctuality string `json:"punctuality"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type startResponse struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

type trackingResponse struct {
	Tracking      bool           `json:"tracking"`
	ActiveOrderID *int64         `json:"active_order_id,omitempty"`
	Stats         tracking.Stats `json:"stats"`
}

func (a *DeliveriesAPI) listOrders(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": a.views(a.ctrl.Orders())})
}

func (a *DeliveriesAPI) streamOrders(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, status.Error(codes.Unimplemented, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := a.ctrl.Subscribe()
	defer unsubscribe()

	t := time.NewTicker(a.keepAlive)
	defer t.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case list, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(map[string]any{"orders": a.views(list)})
			if err != nil {
				slog.Error("marshal orders event", "error", err.Error())
				return
			}
			_, _ = fmt.Fprintf(w, "event: orders\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func (a *DeliveriesAPI) changeStatus(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, target, err := parseStatusRequest(r, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	o, err := a.ctrl.RequestStatusChange(r.Context(), id, target, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(*o))
}

func (a *DeliveriesAPI) startTracking(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseID(params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	err = a.ctrl.StartTracking(r.Context(), id, actorFrom(r))
	if errors.Is(err, models.ErrPermissionDenied) {
		// the operator is shown a plain "not started"
		writeJSON(w, http.StatusOK, startResponse{Started: false, Reason: err.Error()})
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Started: true})
}

func (a *DeliveriesAPI) stopTracking(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, target, err := parseStatusRequest(r, params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.ctrl.StopTracking(r.Context(), id, target, actorFrom(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DeliveriesAPI) listPoints(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseID(params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit := models.DefaultPointsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > models.MaxPointsLimit {
			a.writeError(w, r, status.Errorf(codes.InvalidArgument, "limit must be between 1 and %d", models.MaxPointsLimit))
			return
		}
		limit = n
	}
	pts, err := a.ctrl.TrackingPoints(r.Context(), id, limit, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if pts == nil {
		pts = []models.TrackingPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": pts})
}

func (a *DeliveriesAPI) trackingState(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := trackingResponse{Tracking: a.tracker.IsTracking(), Stats: a.tracker.Stats()}
	if id, ok := a.tracker.ActiveOrderID(); ok {
		resp.ActiveOrderID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *DeliveriesAPI) views(list []models.Order) []orderView {
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, a.view(o))
	}
	return out
}

func (a *DeliveriesAPI) view(o models.Order) orderView {
	return orderView{Order: o, StatusName: o.Status.Name(), Punctuality: o.Punctuality(a.now())}
}

func (a *DeliveriesAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := toStatus(err)
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		slog.Error("request failed", "path", r.URL.Path, "error", err.Error())
	}
	runtime.HTTPError(r.Context(), a.mux, &runtime.JSONPb{}, w, r, st.Err())
}

func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, models.ErrInvalidStatus):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrAuthorization):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, models.ErrPermissionDenied):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, models.ErrOrderNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrCourierNotFound):
		return status.New(codes.Unauthenticated, err.Error())
	case errors.Is(err, models.ErrPersistence):
		return status.New(codes.Unavailable, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

func parseID(params map[string]string) (int64, error) {
	id, err := strconv.ParseInt(params["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid order id %q", params["id"])
	}
	return id, nil
}

func parseStatusRequest(r *http.Request, params map[string]string) (int64, models.Status, error) {
	id, err := parseID(params)
	if err != nil {
		return 0, "", err
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return 0, "", status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	target, err := models.ParseStatus(req.Status)
	if err != nil {
		return 0, "", err
	}
	return id, target, nil
}

func actorFrom(r *http.Request) models.Actor {
	return models.Actor{DisplayName: r.Header.Get(ActorHeader)}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
