// Package ratelimit implements the sliding-window-log rate limiting
// algorithm used by the admission core.
//
// Algorithm Details:
//   - Each (tenant, client, action) key owns an ordered log of request
//     timestamps held in memory.
//   - A request is admitted when fewer than max_requests timestamps fall
//     within the trailing window_duration; the current timestamp is then
//     appended to the log.
//   - Stale timestamps are pruned lazily, on access, rather than by a
//     separate expiry mechanism — see Sweep for the periodic exception.
//   - Keys are sharded across a fixed number of lock stripes so that
//     keys hashing to different stripes never contend on the same mutex;
//     keys that hash to the same stripe share it.
//
// This trades Redis-backed cross-process sharing (the teacher's
// rate limiting uses a Lua script against a sorted set) for single-process
// accuracy: the core here has no distributed-state goal, so the sorted
// set becomes an in-memory deque per key.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// Key identifies a single rate-limit counter.
type Key struct {
	TenantID   string
	ClientID   string
	ActionType string
}

// shardIndex hashes the key to a lock stripe. Grouping a tenant's keys
// onto different stripes is fine — the goal is only to keep unrelated
// keys from serializing on one mutex.
func (k Key) shardIndex(n int) int {
	h := xxhash.New()
	_, _ = h.WriteString(k.TenantID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(k.ClientID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(k.ActionType)
	return int(h.Sum64() % uint64(n))
}

// Policy bounds a single key's admission rate.
type Policy struct {
	MaxRequests    int
	WindowDuration time.Duration
}

// Result is the outcome of a CheckAndConsume call.
type Result struct {
	Allowed           bool
	RemainingRequests int
	ResetTime         time.Time
	HasResetTime      bool
}

// Status is a read-only snapshot of a key's current window.
type Status struct {
	Key               Key
	CurrentCount      int
	MaxRequests       int
	RemainingRequests int
	WindowDuration    time.Duration
	WindowStart       time.Time
	Now               time.Time
}

type shard struct {
	mu   sync.Mutex
	logs map[Key]*list.List
}

// SlidingWindowLog is the in-memory sliding-window-log rate counter.
//
// It is safe for concurrent use. Each key's log is guarded by one of N
// shard locks so that keys hashing to different shards never block each
// other.
type SlidingWindowLog struct {
	shards []*shard
}

// New constructs a SlidingWindowLog sharded across shardCount lock
// stripes. shardCount must be at least 1; callers typically size it from
// AdmissionConfig.ShardCount.
func New(shardCount int) *SlidingWindowLog {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{logs: make(map[Key]*list.List)}
	}
	return &SlidingWindowLog{shards: shards}
}

func (s *SlidingWindowLog) shardFor(k Key) *shard {
	return s.shards[k.shardIndex(len(s.shards))]
}

// CheckAndConsume admits or denies a single request against the key's
// policy, consuming one slot from the window when admitted.
//
// A timestamp at or before (now - window) is pruned; a timestamp exactly
// at the window boundary counts as stale (the window is the half-open
// interval (now-window, now]).
func (s *SlidingWindowLog) CheckAndConsume(k Key, p Policy) Result {
	now := time.Now()
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.logs[k]
	if !ok {
		l = list.New()
		sh.logs[k] = l
	}

	windowStart := now.Add(-p.WindowDuration)
	pruneStale(l, windowStart)

	count := l.Len()
	if count < p.MaxRequests {
		l.PushBack(now)
		remaining := p.MaxRequests - count - 1
		return Result{
			Allowed:           true,
			RemainingRequests: remaining,
			ResetTime:         now.Add(p.WindowDuration),
			HasResetTime:      true,
		}
	}

	oldest := now
	if front := l.Front(); front != nil {
		oldest = front.Value.(time.Time)
	}

	log.Debug().
		Str("component", "ratelimit").
		Str("tenant_id", k.TenantID).
		Str("client_id", k.ClientID).
		Str("action_type", k.ActionType).
		Int("current_count", count).
		Int("max_requests", p.MaxRequests).
		Msg("request denied by sliding window")

	return Result{
		Allowed:           false,
		RemainingRequests: 0,
		ResetTime:         oldest.Add(p.WindowDuration),
		HasResetTime:      true,
	}
}

// GetStatus returns a read-only snapshot of the key's window without
// consuming a slot.
func (s *SlidingWindowLog) GetStatus(k Key, p Policy) Status {
	now := time.Now()
	sh := s.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	l, ok := sh.logs[k]
	windowStart := now.Add(-p.WindowDuration)
	count := 0
	if ok {
		pruneStale(l, windowStart)
		count = l.Len()
	}

	remaining := p.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		Key:               k,
		CurrentCount:      count,
		MaxRequests:       p.MaxRequests,
		RemainingRequests: remaining,
		WindowDuration:    p.WindowDuration,
		WindowStart:       windowStart,
		Now:               now,
	}
}

// Sweep drops every timestamp older than olderThan from each key's log,
// then removes the keys whose log is left empty, freeing the map entry so
// idle tenants do not accumulate unbounded shard-map growth. It does not
// consult any key's policy window: a timestamp older than olderThan is
// dropped even when it is still inside that key's window. It returns the
// number of keys removed and is meant to be invoked periodically by
// internal/sweep, not on the request path.
func (s *SlidingWindowLog) Sweep(olderThan time.Duration) int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, l := range sh.logs {
			pruneStale(l, now.Add(-olderThan))
			if l.Len() == 0 {
				delete(sh.logs, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// pruneStale removes timestamps at or before windowStart from the front
// of the log. The log is append-only at the back, so it stays sorted and
// pruning from the front is always correct.
func pruneStale(l *list.List, windowStart time.Time) {
	for {
		front := l.Front()
		if front == nil {
			return
		}
		ts := front.Value.(time.Time)
		if ts.After(windowStart) {
			return
		}
		l.Remove(front)
	}
}
