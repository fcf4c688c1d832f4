// Package configstore is the admission core's external collaborator: a
// durable table of per-tenant rate-limit policy, persisted in Postgres
// and invalidated across processes over a Redis pub/sub channel.
//
// The admission core itself holds no durable state — policy persistence
// and distribution are explicitly out of scope for it (see the
// sliding-window-log and load-manager packages) — but a real deployment
// still needs somewhere to keep "tenant T's write action is capped at 50
// requests per 10s" outside of the request path, which is exactly the
// role this package plays.
//
// Policy resolution follows client-specific limits first, falling back
// to the tenant's per-action-type limit, matching the original service's
// TenantConfig.get_rate_limit_config.
package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// PostgreSQL driver
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/saidutt46/admission-controller/internal/ratelimit"
)

// Policy is an alias for the core's policy type so callers of this
// package never need to import internal/ratelimit directly.
type Policy = ratelimit.Policy

// DB wraps the sql.DB connection pool to the policy database.
type DB struct {
	pool *sql.DB
}

// PostgresConfig holds database connection configuration.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewDB opens and verifies a connection pool to the policy database.
func NewDB(cfg PostgresConfig) (*DB, error) {
	log.Info().Str("component", "configstore").Msg("connecting to policy database")

	pool, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db := &DB{pool: pool}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping policy database: %w", err)
	}

	log.Info().Str("component", "configstore").Msg("policy database connection established")
	return db, nil
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("policy database ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// tenantPolicy is the in-memory resolved view of one tenant's limits,
// cached by Store between invalidation events.
type tenantPolicy struct {
	actionLimits map[string]Policy           // action_type -> policy
	clientLimits map[string]map[string]Policy // client_id -> action_type -> policy
}

// Store resolves (tenant, client, action) to a Policy, backed by the
// policy database and kept warm by an in-memory cache that a Watcher
// invalidates on change notifications.
type Store struct {
	db      *DB
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]*tenantPolicy // tenant_id -> policy
}

// NewStore builds a Store around db. The circuit breaker trips after
// repeated consecutive failures talking to Postgres. Tenants already in
// the cache keep resolving from it; while the breaker is open, a cache
// miss fails fast with an error instead of waiting on the database. No
// copy is kept past Invalidate, so an invalidated tenant has no cached
// policy to fall back on.
func NewStore(db *DB) *Store {
	settings := gobreaker.Settings{
		Name:        "configstore-postgres",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", "configstore").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &Store{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cache:   make(map[string]*tenantPolicy),
	}
}

// Resolve returns the effective policy for (tenantID, clientID,
// actionType): a client-specific limit if one is configured, otherwise
// the tenant's action-type limit, otherwise ok=false.
func (s *Store) Resolve(ctx context.Context, tenantID, clientID, actionType string) (Policy, bool, error) {
	tp, err := s.tenantPolicyFor(ctx, tenantID)
	if err != nil {
		return Policy{}, false, err
	}

	if byClient, ok := tp.clientLimits[clientID]; ok {
		if p, ok := byClient[actionType]; ok {
			return p, true, nil
		}
	}

	if p, ok := tp.actionLimits[actionType]; ok {
		return p, true, nil
	}

	return Policy{}, false, nil
}

// tenantPolicyFor returns the cached policy for tenantID, loading it from
// Postgres (through the circuit breaker, with concurrent callers for the
// same tenant collapsed into a single query via singleflight) on a cache
// miss.
func (s *Store) tenantPolicyFor(ctx context.Context, tenantID string) (*tenantPolicy, error) {
	s.mu.RLock()
	tp, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return tp, nil
	}

	v, err, _ := s.group.Do(tenantID, func() (interface{}, error) {
		result, breakerErr := s.breaker.Execute(func() (interface{}, error) {
			return s.loadTenantPolicy(ctx, tenantID)
		})
		if breakerErr != nil {
			return nil, breakerErr
		}
		return result, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load policy for tenant %s: %w", tenantID, err)
	}

	loaded := v.(*tenantPolicy)

	s.mu.Lock()
	s.cache[tenantID] = loaded
	s.mu.Unlock()

	return loaded, nil
}

// loadTenantPolicy reads every action-type and client-override row for a
// tenant out of Postgres.
func (s *Store) loadTenantPolicy(ctx context.Context, tenantID string) (*tenantPolicy, error) {
	tp := &tenantPolicy{
		actionLimits: make(map[string]Policy),
		clientLimits: make(map[string]map[string]Policy),
	}

	actionRows, err := s.db.pool.QueryContext(ctx, `
		SELECT action_type, max_requests, window_duration_seconds
		FROM tenant_action_limits
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query action limits: %w", err)
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var actionType string
		var maxRequests, windowSeconds int
		if err := actionRows.Scan(&actionType, &maxRequests, &windowSeconds); err != nil {
			return nil, fmt.Errorf("scan action limit: %w", err)
		}
		tp.actionLimits[actionType] = Policy{
			MaxRequests:    maxRequests,
			WindowDuration: time.Duration(windowSeconds) * time.Second,
		}
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action limits: %w", err)
	}

	clientRows, err := s.db.pool.QueryContext(ctx, `
		SELECT client_id, action_type, max_requests, window_duration_seconds
		FROM tenant_client_limits
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query client limits: %w", err)
	}
	defer clientRows.Close()

	for clientRows.Next() {
		var clientID, actionType string
		var maxRequests, windowSeconds int
		if err := clientRows.Scan(&clientID, &actionType, &maxRequests, &windowSeconds); err != nil {
			return nil, fmt.Errorf("scan client limit: %w", err)
		}
		if tp.clientLimits[clientID] == nil {
			tp.clientLimits[clientID] = make(map[string]Policy)
		}
		tp.clientLimits[clientID][actionType] = Policy{
			MaxRequests:    maxRequests,
			WindowDuration: time.Duration(windowSeconds) * time.Second,
		}
	}
	if err := clientRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client limits: %w", err)
	}

	log.Debug().
		Str("component", "configstore").
		Str("tenant_id", tenantID).
		Int("action_limits", len(tp.actionLimits)).
		Int("client_limits", len(tp.clientLimits)).
		Msg("loaded tenant policy from database")

	return tp, nil
}

// Invalidate drops tenantID's cached policy, forcing the next Resolve
// call to reload it from Postgres.
func (s *Store) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()

	log.Debug().
		Str("component", "configstore").
		Str("tenant_id", tenantID).
		Msg("invalidated cached policy")
}
