package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/hostbridge/agentd/internal/model"
)

const slidingWindow = 60 * time.Second

// RateLimitError is raised when checkAndRecord exceeds the configured
// actions-per-window for (actorID, action).
type RateLimitError struct {
	Action       string
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("security: Rate limit exceeded for action %q, retry after %dms", e.Action, e.RetryAfterMs)
}

// RateLimiter enforces a per-(actorId, action) sliding 60s window (§4.6).
// Generalized from the teacher's per-user-only RateLimiter
// (other_examples ashureev agent-handler.go) to a second key dimension so
// actors never cross-contaminate each other's buckets across action types.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limits   model.RateLimitConfig

	stopEviction chan struct{}
}

// NewRateLimiter creates a RateLimiter and starts its background eviction
// goroutine. Call Close to stop the goroutine at shutdown.
func NewRateLimiter(limits model.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string][]time.Time),
		limits:       limits,
		stopEviction: make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

func bucketKey(actorID, action string) string {
	return actorID + ":" + action
}

// CheckAndRecord inserts now into (actorID, action)'s bucket, returning a
// *RateLimitError if the bucket now exceeds the configured limit for action.
// Actions with no configured limit are unlimited.
func (r *RateLimiter) CheckAndRecord(actorID, action string) error {
	limit, configured := r.limits[action]
	if !configured {
		return nil
	}

	key := bucketKey(actorID, action)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-slidingWindow)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		r.requests[key] = recent
		oldest := recent[0]
		retryAfter := oldest.Add(slidingWindow).Sub(now)
		return &RateLimitError{Action: action, RetryAfterMs: retryAfter.Milliseconds()}
	}

	r.requests[key] = append(recent, now)
	return nil
}

func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(slidingWindow)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopEviction:
				return
			case <-ticker.C:
				r.mu.Lock()
				cutoff := time.Now().Add(-slidingWindow)
				for key, times := range r.requests {
					var fresh []time.Time
					for _, t := range times {
						if t.After(cutoff) {
							fresh = append(fresh, t)
						}
					}
					if len(fresh) == 0 {
						delete(r.requests, key)
					} else {
						r.requests[key] = fresh
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}

// Close stops the background eviction goroutine.
func (r *RateLimiter) Close() {
	close(r.stopEviction)
}
