package providerauth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

// ReauthCoordinator serializes interactive re-authentication flows across
// all providers so the user never faces two browser windows or prompts at
// once. Callers asking for a flow that is already running join it and share
// its result.
type ReauthCoordinator struct {
	serialize sync.Mutex

	mu       sync.Mutex
	inflight map[string]*reauthFlight
	timeout  time.Duration
}

type reauthFlight struct {
	done chan struct{}
	err  error
}

// CoordinatorOption customizes a ReauthCoordinator.
type CoordinatorOption func(*ReauthCoordinator)

// WithCoordinatorTimeout bounds each interactive flow.
func WithCoordinatorTimeout(d time.Duration) CoordinatorOption {
	return func(c *ReauthCoordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewReauthCoordinator creates a coordinator with the default 5 minute
// per-flow timeout.
func NewReauthCoordinator(opts ...CoordinatorOption) *ReauthCoordinator {
	c := &ReauthCoordinator{
		inflight: make(map[string]*reauthFlight),
		timeout:  5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Execute runs fn under the global interactive lock. A second caller with
// the same reauthID joins the in-flight run instead of starting another.
func (c *ReauthCoordinator) Execute(ctx context.Context, reauthID string, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if flight, ok := c.inflight[reauthID]; ok {
		c.mu.Unlock()
		log.Infof("Re-authentication already in progress for %s, waiting", reauthID)
		select {
		case <-flight.done:
			return flight.err
		case <-ctx.Done():
			return &apperrors.ReauthCancelledError{ReauthID: reauthID}
		case <-time.After(c.timeout):
			return &apperrors.ReauthTimeoutError{ReauthID: reauthID, Timeout: c.timeout}
		}
	}
	flight := &reauthFlight{done: make(chan struct{})}
	c.inflight[reauthID] = flight
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, reauthID)
		c.mu.Unlock()
	}()

	// One interactive flow at a time, across every provider.
	c.serialize.Lock()
	defer c.serialize.Unlock()
	log.Infof("Re-auth lock acquired for %s", reauthID)

	flowCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(flowCtx)
	if err != nil && flowCtx.Err() == context.DeadlineExceeded {
		err = &apperrors.ReauthTimeoutError{ReauthID: reauthID, Timeout: c.timeout}
	}
	flight.err = err
	close(flight.done)

	if err != nil {
		log.WithError(err).Errorf("Re-authentication failed for %s", reauthID)
	} else {
		log.Infof("Re-authentication completed for %s", reauthID)
	}
	return err
}
