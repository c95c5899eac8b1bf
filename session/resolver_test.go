package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/forexecho/echo-core/api"
)

// testBackend is a fake /auth/me endpoint with switchable behavior.
type testBackend struct {
	srv      *httptest.Server
	requests atomic.Int64
	status   atomic.Int64 // response status; 200 serves a profile
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.status.Store(http.StatusOK)
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		status := int(b.status.Load())
		if status != http.StatusOK {
			http.Error(w, `{"success":false}`, status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id":         7,
				"email":      "trader@example.com",
				"session_id": "sess-77",
			},
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestResolver(t *testing.T, backend *testBackend) (*Resolver, *Store) {
	t.Helper()
	db, _ := openTestDB(t, "")
	store, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := api.NewClient(api.Config{
		BaseURL:     backend.srv.URL,
		Credentials: store,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewResolver(store, client, testLogger()), store
}

func TestResolve_NoToken_NoNetworkCall(t *testing.T) {
	backend := newTestBackend(t)
	r, _ := newTestResolver(t, backend)

	snap := r.Resolve(context.Background())

	if snap.State != StateUnauthorized {
		t.Errorf("state = %v, want unauthorized", snap.State)
	}
	if !snap.Initialized || snap.Loading || snap.Authorized || snap.Profile != nil {
		t.Errorf("snapshot = %+v, want initialized unauthorized with nil profile", snap)
	}
	if n := backend.requests.Load(); n != 0 {
		t.Errorf("backend saw %d requests, want 0", n)
	}
}

func TestResolve_Success(t *testing.T) {
	backend := newTestBackend(t)
	r, store := newTestResolver(t, backend)
	store.SetToken("tok")

	snap := r.Resolve(context.Background())

	if snap.State != StateAuthorized || !snap.Authorized {
		t.Fatalf("state = %v, want authorized", snap.State)
	}
	if snap.Profile == nil || snap.Profile.Email != "trader@example.com" {
		t.Errorf("profile = %+v, want trader@example.com", snap.Profile)
	}
	if sid, _ := store.SessionID(); sid != "sess-77" {
		t.Errorf("session id = %q, want sess-77 (persisted from profile)", sid)
	}
}

func TestResolve_ServerError_Unauthorized(t *testing.T) {
	backend := newTestBackend(t)
	backend.status.Store(http.StatusInternalServerError)
	r, store := newTestResolver(t, backend)
	store.SetToken("tok")

	snap := r.Resolve(context.Background())

	if snap.State != StateUnauthorized {
		t.Errorf("state = %v, want unauthorized", snap.State)
	}
	if snap.Profile != nil {
		t.Error("profile retained after failed resolution")
	}
	if !snap.Initialized {
		t.Error("not initialized after failed resolution")
	}
}

func TestResolve_Backend401_ClearsStoredToken(t *testing.T) {
	backend := newTestBackend(t)
	backend.status.Store(http.StatusUnauthorized)
	r, store := newTestResolver(t, backend)

	// Mirror the production wiring: any 401 clears the store in the
	// background, and the store change re-resolves.
	client, err := api.NewClient(api.Config{
		BaseURL:     backend.srv.URL,
		Credentials: store,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetUnauthorizedHook(func() { go store.Clear() })
	r.client = client

	store.SetToken("expired")
	snap := r.Resolve(context.Background())

	if snap.State != StateUnauthorized {
		t.Errorf("state = %v, want unauthorized", snap.State)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := store.Token(); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("token not cleared after 401")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBackend401OnOtherEndpoint_DeauthorizesSession(t *testing.T) {
	// The 401 interceptor is endpoint-agnostic: an expired session answered
	// with 401 on any call tears the whole session down, not just on
	// /auth/me.
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 7, "email": "trader@example.com"},
		})
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false}`, http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db, _ := openTestDB(t, "")
	store, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Credentials: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetUnauthorizedHook(func() { go store.Clear() })
	r := NewResolver(store, client, testLogger())

	store.SetToken("tok")
	if snap := r.Resolve(context.Background()); !snap.Authorized {
		t.Fatalf("setup: state = %v, want authorized", snap.State)
	}

	// A 401 from an endpoint the resolver never touches.
	_, err = client.Login(context.Background(), "trader@example.com", "pw")
	if !api.IsUnauthorized(err) {
		t.Fatalf("Login error = %v, want 401 HTTPError", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, hasToken := store.Token()
		if !hasToken && r.Snapshot().State == StateUnauthorized {
			break
		}
		select {
		case <-deadline:
			snap := r.Snapshot()
			t.Fatalf("session not torn down after foreign-endpoint 401: token=%v state=%v", hasToken, snap.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if snap := r.Snapshot(); snap.Profile != nil {
		t.Errorf("profile retained after deauthorization: %+v", snap.Profile)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	backend := newTestBackend(t)
	r, store := newTestResolver(t, backend)
	store.SetToken("tok")
	r.Resolve(context.Background())

	r.Logout()
	r.Logout()

	snap := r.Snapshot()
	if snap.State != StateUnauthorized || snap.Profile != nil {
		t.Errorf("snapshot after logout = %+v", snap)
	}
	if _, ok := store.Token(); ok {
		t.Error("token survives logout")
	}
}

func TestResolve_SlowResponseDiscardedAfterLogout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 7, "email": "trader@example.com"},
		})
	}))
	defer srv.Close()

	db, _ := openTestDB(t, "")
	store, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Credentials: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	r := NewResolver(store, client, testLogger())
	store.SetToken("tok")

	done := make(chan Snapshot, 1)
	go func() { done <- r.Resolve(context.Background()) }()

	<-entered
	r.Logout() // invalidates the in-flight resolution
	close(release)

	<-done
	snap := r.Snapshot()
	if snap.State != StateUnauthorized || snap.Profile != nil {
		t.Errorf("slow success overwrote logout: %+v", snap)
	}
}

func TestRefresh_Throttled(t *testing.T) {
	backend := newTestBackend(t)
	r, store := newTestResolver(t, backend)
	store.SetToken("tok")

	var err error
	for i := 0; i < 3; i++ {
		if _, err = r.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if _, err = r.Refresh(context.Background()); err != ErrRefreshThrottled {
		t.Errorf("fourth refresh error = %v, want ErrRefreshThrottled", err)
	}
}

func TestLogin_ResolvesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"token": "issued-token"},
		})
	})
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer issued-token" {
			http.Error(w, `{"success":false}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 7, "email": "trader@example.com"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db, _ := openTestDB(t, "")
	store, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Credentials: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	r := NewResolver(store, client, testLogger())

	snap, err := r.Login(context.Background(), "trader@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !snap.Authorized || snap.Profile == nil {
		t.Errorf("snapshot after login = %+v, want authorized", snap)
	}
	if tok, _ := store.Token(); tok != "issued-token" {
		t.Errorf("stored token = %q, want issued-token", tok)
	}
}

func TestLogin_ReturnsSettledSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"token": "issued-token"},
		})
	})
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		// Slow enough that a stray background resolve would overlap the
		// synchronous one.
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 7, "email": "trader@example.com"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db, _ := openTestDB(t, "")
	store, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	client, err := api.NewClient(api.Config{BaseURL: srv.URL, Credentials: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	r := NewResolver(store, client, testLogger())

	for i := 0; i < 5; i++ {
		snap, err := r.Login(context.Background(), "trader@example.com", "hunter2")
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		if snap.State != StateAuthorized || !snap.Authorized || snap.Loading {
			t.Fatalf("Login %d returned unsettled snapshot: %+v", i, snap)
		}
		if snap.Profile == nil {
			t.Fatalf("Login %d returned no profile", i)
		}
		r.Logout()
	}
}

func TestTransitions_FeedFollowsSession(t *testing.T) {
	backend := newTestBackend(t)
	r, store := newTestResolver(t, backend)

	var transitions []State
	r.OnTransition(func(from, to State) { transitions = append(transitions, to) })

	store.mu.Lock()
	store.onChange = nil // keep this test single-threaded
	store.mu.Unlock()

	store.SetToken("tok")
	r.Resolve(context.Background())
	r.Logout()

	want := []State{StateResolving, StateAuthorized, StateUnauthorized}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

// TestSnapshotInvariant_Rapid drives the resolver through random operation
// sequences and checks that an authorized snapshot always carries a profile
// and an unauthorized one never does.
func TestSnapshotInvariant_Rapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		backend := newTestBackend(t)
		r, store := newTestResolver(t, backend)
		store.mu.Lock()
		store.onChange = nil
		store.mu.Unlock()

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 12).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				store.SetToken("tok")
				backend.status.Store(http.StatusOK)
				r.Resolve(context.Background())
			case 1:
				store.SetToken("tok")
				backend.status.Store(http.StatusInternalServerError)
				r.Resolve(context.Background())
			case 2:
				r.Logout()
			case 3:
				store.Clear()
				r.Resolve(context.Background())
			}

			snap := r.Snapshot()
			if snap.Authorized && snap.Profile == nil {
				rt.Fatalf("authorized snapshot without profile after op %d", op)
			}
			if !snap.Authorized && snap.Profile != nil {
				rt.Fatalf("unauthorized snapshot retains profile after op %d", op)
			}
		}
	})
}
