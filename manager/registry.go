// Package manager tracks the turns currently in flight on this server.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrDuplicateRequest is returned by Register when the request ID is
	// already in flight.
	ErrDuplicateRequest = errors.New("request already in flight")

	// ErrAborted is the cancellation cause of a turn stopped through Cancel.
	ErrAborted = errors.New("request aborted")
)

type entry struct {
	cancel    context.CancelCauseFunc
	startedAt time.Time
}

// RequestRegistry maps in-flight request IDs to their cancellation handles.
// One registry is created per server process and shared by every handler.
//
// Thread Safety: all methods may be called concurrently.
type RequestRegistry struct {
	mu       sync.Mutex
	requests map[string]*entry
}

// NewRequestRegistry creates an empty registry.
func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{
		requests: make(map[string]*entry),
	}
}

// Register records requestID and returns a context derived from parent that
// is cancelled by Cancel. A second registration of an ID that has not been
// released is rejected with ErrDuplicateRequest.
//
// Callers must Release the ID once the turn ends, on every path:
//
//	ctx, err := reg.Register(ctx, id)
//	if err != nil {
//	    return err
//	}
//	defer reg.Release(id)
func (r *RequestRegistry) Register(parent context.Context, requestID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[requestID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	ctx, cancel := context.WithCancelCause(parent)
	r.requests[requestID] = &entry{cancel: cancel, startedAt: time.Now()}
	return ctx, nil
}

// Cancel signals the request's cancellation handle with ErrAborted. It
// returns false if requestID is not in flight. The entry stays registered
// until the turn releases it.
func (r *RequestRegistry) Cancel(requestID string) bool {
	r.mu.Lock()
	e, exists := r.requests[requestID]
	r.mu.Unlock()

	if !exists {
		return false
	}
	e.cancel(ErrAborted)
	return true
}

// Release removes requestID and frees its context. Releasing an unknown ID
// is a no-op.
func (r *RequestRegistry) Release(requestID string) {
	r.mu.Lock()
	e, exists := r.requests[requestID]
	delete(r.requests, requestID)
	r.mu.Unlock()

	if exists {
		e.cancel(context.Canceled)
	}
}

// CancelAll aborts every in-flight request and returns how many there were.
func (r *RequestRegistry) CancelAll() int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.requests))
	for _, e := range r.requests {
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrAborted)
	}
	return len(cancels)
}

// Len returns the number of requests in flight.
func (r *RequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// InFlight describes one registered request.
type InFlight struct {
	RequestID string        `json:"requestId"`
	Age       time.Duration `json:"age"`
}

// Snapshot lists the in-flight requests, oldest first.
func (r *RequestRegistry) Snapshot() []InFlight {
	r.mu.Lock()
	now := time.Now()
	out := make([]InFlight, 0, len(r.requests))
	for id, e := range r.requests {
		out = append(out, InFlight{RequestID: id, Age: now.Sub(e.startedAt)})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b InFlight) int {
		if a.Age != b.Age {
			if a.Age > b.Age {
				return -1
			}
			return 1
		}
		if a.RequestID < b.RequestID {
			return -1
		}
		return 1
	})
	return out
}

// IsAborted reports whether ctx was cancelled through Cancel or CancelAll.
func IsAborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrAborted)
}
