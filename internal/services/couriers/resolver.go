package couriers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CourierTrack/internal/cache"
	"github.com/BearBump/CourierTrack/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	FindCourierByName(ctx context.Context, name string) (*models.Courier, error)
}

// Resolver maps an actor's display name to the courier record. Hits are kept
// in process and, when a cache is configured, in Redis for ttl.
type Resolver struct {
	repo  Repository
	cache cache.BytesCache
	ttl   time.Duration

	mu    sync.RWMutex
	known map[string]models.Courier
}

func New(repo Repository, c cache.BytesCache, ttl time.Duration) *Resolver {
	return &Resolver{repo: repo, cache: c, ttl: ttl, known: map[string]models.Courier{}}
}

func (r *Resolver) ResolveCourier(ctx context.Context, displayName string) (models.Courier, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return models.Courier{}, errors.Wrap(models.ErrCourierNotFound, "empty display name")
	}

	r.mu.RLock()
	c, ok := r.known[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	if r.cache != nil && r.ttl > 0 {
		b, hit, err := r.cache.Get(ctx, courierKey(name))
		if err == nil && hit && json.Unmarshal(b, &c) == nil && c.ID != "" {
			r.remember(name, c)
			return c, nil
		}
	}

	found, err := r.repo.FindCourierByName(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrCourierNotFound) {
			return models.Courier{}, err
		}
		return models.Courier{}, models.NewPersistenceError("resolve courier", err)
	}

	if r.cache != nil && r.ttl > 0 {
		b, _ := json.Marshal(found)
		_ = r.cache.Set(ctx, courierKey(name), b, r.ttl)
	}
	r.remember(name, *found)
	return *found, nil
}

// Forget drops a cached mapping, e.g. after the courier was renamed.
func (r *Resolver) Forget(ctx context.Context, displayName string) {
	name := strings.TrimSpace(displayName)
	r.mu.Lock()
	delete(r.known, name)
	r.mu.Unlock()
	if r.cache != nil {
		_ = r.cache.Delete(ctx, courierKey(name))
	}
}

func (r *Resolver) remember(name string, c models.Courier) {
	r.mu.Lock()
	r.known[name] = c
	r.mu.Unlock()
}

func courierKey(name string) string {
	return "courier:name:" + name
}
