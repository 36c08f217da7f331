// Package mock provides a test double for the person.Repository interface.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/personchat/internal/person"
)

// Repository is a mock implementation of person.Repository and
// person.Pinger. Set the result fields before use.
type Repository struct {
	mu sync.Mutex

	// ListResult is returned by List.
	ListResult json.RawMessage
	// ListErr, if non-nil, is returned as the error from List.
	ListErr error

	// GetResult is returned by Get.
	GetResult json.RawMessage
	// GetErr, if non-nil, is returned as the error from Get.
	GetErr error

	// PingErr is returned by Ping.
	PingErr error

	// Block, if non-nil, is received from before List and Get return.
	Block chan struct{}

	// ListCalls is the number of times List was called.
	ListCalls int
	// GetCalls is the number of times Get was called.
	GetCalls int

	lastCtx context.Context
}

var (
	_ person.Repository = (*Repository)(nil)
	_ person.Pinger     = (*Repository)(nil)
)

// List records the call and returns ListResult, ListErr.
func (r *Repository) List(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	r.ListCalls++
	r.lastCtx = ctx
	res, err, block := r.ListResult, r.ListErr, r.Block
	r.mu.Unlock()
	return wait(ctx, block, res, err)
}

// Get records the call and returns GetResult, GetErr.
func (r *Repository) Get(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	r.GetCalls++
	r.lastCtx = ctx
	res, err, block := r.GetResult, r.GetErr, r.Block
	r.mu.Unlock()
	return wait(ctx, block, res, err)
}

// Ping returns PingErr.
func (r *Repository) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PingErr
}

// Counts returns the List and Get call counts. Thread-safe.
func (r *Repository) Counts() (list, get int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ListCalls, r.GetCalls
}

// LastContext returns the context of the most recent List or Get call, or
// context.Background when there was none. Thread-safe.
func (r *Repository) LastContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastCtx == nil {
		return context.Background()
	}
	return r.lastCtx
}

func wait(ctx context.Context, block chan struct{}, res json.RawMessage, err error) (json.RawMessage, error) {
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, err
}
