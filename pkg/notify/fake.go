package notify

import (
	"context"
	"sync"

	"github.com/raterudder/chargerudder/pkg/types"
)

// FakePublisher records published reports for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Statuses contains every published status.
	Statuses []types.LoopStatus

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the status.
func (f *FakePublisher) Publish(ctx context.Context, status types.LoopStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Statuses = append(f.Statuses, status)
	return nil
}

// Published returns a copy of the recorded statuses.
func (f *FakePublisher) Published() []types.LoopStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.LoopStatus(nil), f.Statuses...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
