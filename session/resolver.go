// Package session owns the authorized-session view of the application: the
// durable credential store and the resolver that turns "do we have a token"
// into "who are we". Consumers read snapshots and invoke the two mutators
// (logout, refresh); every other transition is driven by token changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forexecho/echo-core/api"
)

// ErrRefreshThrottled is returned when consumer-invoked profile refreshes
// arrive faster than the refresh rate limit allows.
var ErrRefreshThrottled = errors.New("profile refresh throttled")

// State is the session resolver's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateAuthorized
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateAuthorized:
		return "authorized"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time read of the session state. Invariant:
// Authorized implies Profile != nil.
type Snapshot struct {
	State       State
	Authorized  bool
	Profile     *api.UserProfile
	Initialized bool
	Loading     bool
}

// TransitionCallback observes state changes (e.g. to restart the live feed
// on authorization, or notify on forced logout).
type TransitionCallback func(from, to State)

// Resolver decides authorized/unauthorized from the stored token and the
// backend's answer to /auth/me. It is the sole writer of the session state;
// everyone else reads snapshots.
type Resolver struct {
	store  *Store
	client *api.Client
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	profile       *api.UserProfile
	initialized   bool
	loading       bool
	generation    uint64
	suppressWatch bool
	onTransition  []TransitionCallback
	refreshLimit  *rate.Limiter
}

// NewResolver creates a resolver bound to the given store and API client.
// Token changes in the store trigger background re-resolution; the first
// resolution is the caller's job (run it synchronously at startup so
// consumers never observe an uninitialized state after init completes).
func NewResolver(store *Store, client *api.Client, logger *slog.Logger) *Resolver {
	r := &Resolver{
		store:  store,
		client: client,
		logger: logger,
		state:  StateUninitialized,
		// UI-driven refreshes: a small burst, then one every few seconds.
		refreshLimit: rate.NewLimiter(rate.Every(3*time.Second), 3),
	}
	store.OnChange(func() {
		r.mu.Lock()
		suppressed := r.suppressWatch
		r.mu.Unlock()
		if suppressed {
			return
		}
		go r.Resolve(context.Background())
	})
	return r
}

// OnTransition registers a state-change observer. Register during wiring,
// before the resolver is shared.
func (r *Resolver) OnTransition(cb TransitionCallback) {
	r.onTransition = append(r.onTransition, cb)
}

// Snapshot returns the current session state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Resolver) snapshotLocked() Snapshot {
	return Snapshot{
		State:       r.state,
		Authorized:  r.state == StateAuthorized,
		Profile:     r.profile,
		Initialized: r.initialized,
		Loading:     r.loading,
	}
}

// Resolve runs one session resolution:
//
//   - no stored token: unauthorized, no network call;
//   - token present: fetch /auth/me; success → authorized with profile,
//     failure of any category → unauthorized.
//
// Each call claims a generation; a resolution that completes after a newer
// one has started is discarded, so a slow response can never overwrite a
// fresher transition.
func (r *Resolver) Resolve(ctx context.Context) Snapshot {
	_, hasToken := r.store.Token()

	r.mu.Lock()
	r.generation++
	gen := r.generation
	from := r.state

	if !hasToken {
		r.state = StateUnauthorized
		r.profile = nil
		r.initialized = true
		r.loading = false
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.fireTransition(from, StateUnauthorized)
		r.logger.Debug("No stored token, session unauthorized")
		return snap
	}

	r.state = StateResolving
	r.loading = true
	r.mu.Unlock()
	r.fireTransition(from, StateResolving)

	profile, err := r.client.Me(ctx)

	r.mu.Lock()
	if gen != r.generation {
		// A newer resolution started while this one was in flight.
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.logger.Debug("Discarding stale session resolution", "generation", gen)
		return snap
	}

	from = r.state
	r.loading = false
	r.initialized = true

	if err != nil {
		r.profile = nil
		r.state = StateUnauthorized
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.fireTransition(from, StateUnauthorized)
		// Network, HTTP and decode failures all collapse to unauthorized
		// here; the category survives in the log for operators.
		r.logger.Warn("Session resolution failed", "error", err)
		return snap
	}

	r.profile = profile
	r.state = StateAuthorized
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.fireTransition(from, StateAuthorized)

	// Persist the server-issued correlation id so subsequent requests can
	// echo it back. Write-only from this subsystem's point of view; the API
	// client's request middleware is the reader.
	if profile.SessionID != "" {
		r.store.SetSessionID(profile.SessionID)
	}

	r.logger.Info("Session resolved", "user_id", profile.ID, "email", profile.Email)
	return snap
}

// Login exchanges credentials for a token, persists it, and resolves the
// session against it. The returned snapshot is settled: the store-change
// callback is suppressed for the SetToken below, so no background resolve
// can claim a newer generation and leave the synchronous one discarded
// mid-flight.
func (r *Resolver) Login(ctx context.Context, email, password string) (Snapshot, error) {
	token, err := r.client.Login(ctx, email, password)
	if err != nil {
		return r.Snapshot(), err
	}

	r.mu.Lock()
	r.suppressWatch = true
	r.mu.Unlock()
	r.store.SetToken(token)
	r.mu.Lock()
	r.suppressWatch = false
	r.mu.Unlock()

	return r.Resolve(ctx), nil
}

// Logout clears the session locally: state to unauthorized, profile
// dropped, stored credentials removed. No server endpoint is called and
// there is no failure path. Calling it twice is the same as calling it once.
func (r *Resolver) Logout() {
	r.mu.Lock()
	r.generation++ // invalidate any in-flight resolution
	from := r.state
	r.state = StateUnauthorized
	r.profile = nil
	r.initialized = true
	r.loading = false
	r.mu.Unlock()
	r.fireTransition(from, StateUnauthorized)

	// The state is already settled above; an auto-resolve for our own clear
	// would only re-derive it.
	r.mu.Lock()
	r.suppressWatch = true
	r.mu.Unlock()
	r.store.Clear()
	r.mu.Lock()
	r.suppressWatch = false
	r.mu.Unlock()

	r.logger.Info("Logged out")
}

// Refresh re-fetches the profile on consumer demand, rate limited.
func (r *Resolver) Refresh(ctx context.Context) (Snapshot, error) {
	if !r.refreshLimit.Allow() {
		return r.Snapshot(), ErrRefreshThrottled
	}
	return r.Resolve(ctx), nil
}

func (r *Resolver) fireTransition(from, to State) {
	if from == to {
		return
	}
	for _, cb := range r.onTransition {
		cb(from, to)
	}
}
