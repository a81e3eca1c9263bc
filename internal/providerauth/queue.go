package providerauth

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultQueueIdleTimeout = 60 * time.Second
	defaultUnavailableTTL   = 300 * time.Second
	defaultQueueBuffer      = 64
)

type refreshRequest struct {
	source      string
	force       bool
	needsReauth bool
}

// RefreshQueue serializes token refreshes for one provider through a single
// lazily-started worker. Credentials admitted to the queue are marked
// unavailable to the rotator until their refresh completes; stale marks are
// reaped by a TTL and by the worker's idle exit.
type RefreshQueue struct {
	provider string
	run      func(ctx context.Context, source string, force, needsReauth bool)

	idleTimeout time.Duration
	ttl         time.Duration
	now         func() time.Time

	mu          sync.Mutex
	queued      map[string]bool
	unavailable map[string]time.Time
	ch          chan refreshRequest
	running     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// QueueOption customizes a RefreshQueue.
type QueueOption func(*RefreshQueue)

// WithIdleTimeout sets how long the worker waits before self-cleaning and
// exiting.
func WithIdleTimeout(d time.Duration) QueueOption {
	return func(q *RefreshQueue) {
		if d > 0 {
			q.idleTimeout = d
		}
	}
}

// WithUnavailableTTL sets the stale-entry reaping horizon.
func WithUnavailableTTL(d time.Duration) QueueOption {
	return func(q *RefreshQueue) {
		if d > 0 {
			q.ttl = d
		}
	}
}

func newRefreshQueue(provider string, run func(ctx context.Context, source string, force, needsReauth bool)) *RefreshQueue {
	return &RefreshQueue{
		provider:    provider,
		run:         run,
		idleTimeout: defaultQueueIdleTimeout,
		ttl:         defaultUnavailableTTL,
		now:         time.Now,
		queued:      make(map[string]bool),
		unavailable: make(map[string]time.Time),
		ch:          make(chan refreshRequest, defaultQueueBuffer),
	}
}

// Enqueue admits a refresh request. Automated refreshes (needsReauth=false)
// in backoff are dropped; requests for already-queued credentials are
// deduplicated. Admission stamps the credential unavailable and lazily starts
// the worker. Returns whether the request was admitted.
func (q *RefreshQueue) Enqueue(source string, force, needsReauth bool, suppressedUntil time.Time) bool {
	if !needsReauth && q.now().Before(suppressedUntil) {
		log.Debugf("Skipping automated refresh for %s (in backoff for %s)",
			source, time.Until(suppressedUntil).Round(time.Second))
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.queued[source] {
		return false
	}
	q.queued[source] = true
	q.unavailable[source] = q.now()
	log.Debugf("Marked %s unavailable for refresh. Total unavailable: %d", source, len(q.unavailable))

	select {
	case q.ch <- refreshRequest{source: source, force: force, needsReauth: needsReauth}:
	default:
		// Channel full; drop the admission marks so the credential is not
		// stuck unavailable.
		delete(q.queued, source)
		delete(q.unavailable, source)
		log.Warnf("Refresh queue for %s is full, dropping request for %s", q.provider, source)
		return false
	}
	q.ensureWorkerLocked()
	return true
}

// IsAvailable reports whether a credential may serve requests. Entries older
// than the TTL are treated as stale and reaped.
func (q *RefreshQueue) IsAvailable(source string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	marked, ok := q.unavailable[source]
	if !ok {
		return true
	}
	if age := q.now().Sub(marked); age > q.ttl {
		log.Warnf("Credential %s stuck unavailable for %s (TTL %s), auto-cleaning stale entry",
			source, age.Round(time.Second), q.ttl)
		delete(q.unavailable, source)
		return true
	}
	return false
}

func (q *RefreshQueue) ensureWorkerLocked() {
	if q.running {
		return
	}
	q.running = true
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.worker(ctx, q.done)
}

// worker drains the queue sequentially. After idleTimeout with no work it
// clears all availability marks and exits; the next Enqueue restarts it.
func (q *RefreshQueue) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(q.idleTimeout)
	defer timer.Stop()

	for {
		timer.Reset(q.idleTimeout)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			q.mu.Lock()
			// An Enqueue may have deposited into the channel after the timer
			// fired but before we took the lock; keep serving rather than
			// strand the admission. Enqueue deposits while holding q.mu, so
			// this check closes the race.
			if len(q.ch) > 0 {
				q.mu.Unlock()
				continue
			}
			if len(q.unavailable) > 0 {
				log.Warnf("Refresh worker for %s idle, cleaning %d stale unavailable entries",
					q.provider, len(q.unavailable))
				q.unavailable = make(map[string]time.Time)
			}
			if len(q.queued) > 0 {
				q.queued = make(map[string]bool)
			}
			q.running = false
			q.mu.Unlock()
			return
		case req := <-q.ch:
			q.run(ctx, req.source, req.force, req.needsReauth)
			// Cleanup runs on every exit path of the request.
			q.mu.Lock()
			delete(q.queued, req.source)
			delete(q.unavailable, req.source)
			q.mu.Unlock()
		}
	}
}

// Close stops the worker and rejects further admissions.
func (q *RefreshQueue) Close() {
	q.mu.Lock()
	q.closed = true
	cancel := q.cancel
	done := q.done
	running := q.running
	q.mu.Unlock()
	if running && cancel != nil {
		cancel()
		<-done
	}
}
