package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	token     string
	sessionID string
}

func (f fakeCreds) Token() (string, bool)     { return f.token, f.token != "" }
func (f fakeCreds) SessionID() (string, bool) { return f.sessionID, f.sessionID != "" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string, creds CredentialSource) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, Credentials: creds, Logger: testLogger()})
	require.NoError(t, err)
	return c
}

func TestMe_Success(t *testing.T) {
	var gotAuth, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSession = r.Header.Get("X-Session-ID")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id":         42,
				"email":      "trader@example.com",
				"username":   "trader",
				"session_id": "sess-abc",
				"trading_account": []map[string]any{
					{"id": 1, "account_number": "10001", "broker": "demo", "balance": "1000.50"},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{token: "tok123", sessionID: "sess-old"})
	profile, err := c.Me(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "sess-old", gotSession)
	assert.Equal(t, int64(42), profile.ID)
	assert.Equal(t, "trader@example.com", profile.Email)
	assert.Equal(t, "sess-abc", profile.SessionID)
	require.Len(t, profile.TradingAccounts, 1)
	assert.Equal(t, "1000.5", profile.TradingAccounts[0].Balance.String())
}

func TestMe_NoCredentialHeadersWhenEmpty(t *testing.T) {
	var hadAuth, hadSession bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, hadSession = r.Header["X-Session-Id"]
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"id": 1}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{})
	_, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.False(t, hadAuth)
	assert.False(t, hadSession)
}

func TestMe_Unauthorized_FiresHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{token: "expired"})
	fired := 0
	c.SetUnauthorizedHook(func() { fired++ })

	_, err := c.Me(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, fired)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

func TestMe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{token: "tok"})
	_, err := c.Me(context.Background())

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.Status)
	assert.False(t, IsUnauthorized(err))
}

func TestMe_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately, so the dial fails

	c := newTestClient(t, srv.URL, fakeCreds{token: "tok"})
	_, err := c.Me(context.Background())

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
}

func TestMe_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json at all")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{token: "tok"})
	_, err := c.Me(context.Background())

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
}

func TestLogin_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "trader@example.com", body["email"])
		assert.Equal(t, "hunter2", body["password"])

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"token": "fresh-token", "message": "Login successful"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{})
	token, err := c.Login(context.Background(), "trader@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

func TestLogin_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"data":    map[string]any{"message": "Invalid credentials"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, fakeCreds{})
	_, err := c.Login(context.Background(), "trader@example.com", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, err.Error(), "Invalid credentials")
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{Logger: testLogger()})
	require.Error(t, err)
}
