package deliveries

import (
	"slices"
	"sync"

	"github.com/BearBump/CourierTrack/internal/models"
)

type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan []models.Order
	last []models.Order
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[int]chan []models.Order{}}
}

func (b *broadcaster) subscribe() (chan []models.Order, func()) {
	ch := make(chan []models.Order, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	if b.last != nil {
		offer(ch, slices.Clone(b.last))
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// publish hands every subscriber its own copy of list.
func (b *broadcaster) publish(list []models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = slices.Clone(list)
	for _, ch := range b.subs {
		offer(ch, slices.Clone(b.last))
	}
}

// offer replaces whatever the reader has not taken yet.
func offer(ch chan []models.Order, list []models.Order) {
	select {
	case ch <- list:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- list:
	default:
	}
}
