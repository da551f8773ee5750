package keypool

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/keypool/internal/domain"
)

// DefaultReserveCapacity bounds the reserve when no capacity is given.
const DefaultReserveCapacity = 1000

// ErrReserveFull is returned when a capture batch does not fit the reserve.
var ErrReserveFull = errors.New("reserve is full")

// Reserve is a bounded FIFO of captured secrets that have not been added to
// the pool yet. The optimizer draws from it when the pool is below its
// minimum size.
type Reserve struct {
	mu       sync.Mutex
	items    []domain.AddSecretRequest
	capacity int
}

// NewReserve creates an empty reserve holding at most capacity items.
func NewReserve(capacity int) *Reserve {
	if capacity <= 0 {
		capacity = DefaultReserveCapacity
	}
	return &Reserve{capacity: capacity}
}

// Push appends reqs in order. Items beyond capacity are rejected and the
// number accepted is returned alongside ErrReserveFull.
func (r *Reserve) Push(reqs ...domain.AddSecretRequest) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.capacity - len(r.items)
	n := min(room, len(reqs))
	for _, req := range reqs[:max(n, 0)] {
		r.items = append(r.items, req.Normalized())
	}
	if n < len(reqs) {
		return max(n, 0), ErrReserveFull
	}
	return n, nil
}

// Next pops the oldest item.
func (r *Reserve) Next(ctx context.Context) (domain.AddSecretRequest, bool) {
	if ctx.Err() != nil {
		return domain.AddSecretRequest{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return domain.AddSecretRequest{}, false
	}
	req := r.items[0]
	r.items[0] = domain.AddSecretRequest{}
	r.items = r.items[1:]
	return req, true
}

// Len reports how many items are waiting.
func (r *Reserve) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
