// Package lease gives each run a single owner at a time. A run's goroutine
// holds the lease for the run id and refreshes it; an instance that crashes
// stops refreshing and the lease expires, letting another instance resume
// the run.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrHeld is returned by Hold when another owner has the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Locker is a TTL lock keyed by run id. Implementations must be safe for
// concurrent use.
type Locker interface {
	// Acquire takes the lease if it is free or expired. It reports false
	// when another owner holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Refresh extends a lease owner still holds. It reports false when the
	// lease expired or moved to another owner.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner holds it.
	Release(ctx context.Context, key, owner string) error
	// Holder returns the current owner, or "" when the lease is free.
	Holder(ctx context.Context, key string) (string, error)
	// Name identifies the backend for health reporting.
	Name() string
}

// Held is an acquired lease with a background refresher.
type Held struct {
	locker Locker
	key    string
	owner  string
	logger *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// Hold acquires key for owner and refreshes it every ttl/3 until Release or
// until a refresh finds the lease gone, which closes Lost.
func Hold(ctx context.Context, l Locker, key, owner string, ttl time.Duration, logger *slog.Logger) (*Held, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ok, err := l.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	h := &Held{
		locker: l,
		key:    key,
		owner:  owner,
		logger: logger,
		lost:   make(chan struct{}),
		stop:   stop,
		done:   make(chan struct{}),
	}
	go h.refreshLoop(refreshCtx, ttl)
	return h, nil
}

// Lost is closed when the lease could not be kept.
func (h *Held) Lost() <-chan struct{} { return h.lost }

// Release stops refreshing and drops the lease.
func (h *Held) Release(ctx context.Context) error {
	h.stop()
	<-h.done
	return h.locker.Release(ctx, h.key, h.owner)
}

func (h *Held) refreshLoop(ctx context.Context, ttl time.Duration) {
	defer close(h.done)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := h.locker.Refresh(ctx, h.key, h.owner, ttl)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			// Two more attempts fit inside the ttl before it can lapse.
			failures++
			h.logger.Warn("lease: refresh failed", "key", h.key, "attempt", failures, "error", err)
			if failures < 2 {
				continue
			}
			fallthrough
		case !ok:
			h.logger.Error("lease: lost", "key", h.key, "owner", h.owner)
			h.lostOnce.Do(func() { close(h.lost) })
			return
		default:
			failures = 0
		}
	}
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
}

type localLease struct {
	owner   string
	expires time.Time
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{now: time.Now, leases: make(map[string]localLease)}
}

// Name implements Locker.
func (l *Local) Name() string { return "local" }

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = localLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Refresh implements Locker.
func (l *Local) Refresh(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = localLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.
func (l *Local) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}

// Holder implements Locker.
func (l *Local) Holder(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || !l.now().Before(cur.expires) {
		return "", nil
	}
	return cur.owner, nil
}
