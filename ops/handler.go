package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/forexecho/echo-core/api"
	"github.com/forexecho/echo-core/feed"
	"github.com/forexecho/echo-core/session"
)

const defaultLogCount = 100

// Handler serves the local HTTP consumer surface.
type Handler struct {
	version   string
	startTime time.Time

	resolver   *session.Resolver
	store      *session.Store
	feedState  *feed.State
	subscriber *feed.Subscriber
	logs       *LogBuffer
	docs       *Docs
	logger     *slog.Logger
}

// NewHandler creates the ops handler.
func NewHandler(version string, resolver *session.Resolver, store *session.Store, feedState *feed.State, subscriber *feed.Subscriber, logs *LogBuffer, logger *slog.Logger) (*Handler, error) {
	docs, err := NewDocs(version)
	if err != nil {
		return nil, fmt.Errorf("load docs: %w", err)
	}
	return &Handler{
		version:    version,
		startTime:  time.Now(),
		resolver:   resolver,
		store:      store,
		feedState:  feedState,
		subscriber: subscriber,
		logs:       logs,
		docs:       docs,
		logger:     logger,
	}, nil
}

// RegisterRoutes attaches all endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.docs.ServeIndex)
	mux.HandleFunc("GET /status", h.serveStatus)
	mux.HandleFunc("GET /logs", h.serveLogs)
	mux.HandleFunc("GET /feed/snapshot", h.serveFeedSnapshot)
	mux.HandleFunc("GET /feed/stream", h.serveFeedStream)
	mux.HandleFunc("POST /session/login", h.serveLogin)
	mux.HandleFunc("POST /session/logout", h.serveLogout)
	mux.HandleFunc("POST /session/refresh", h.serveRefresh)
}

// sessionView is the session portion of a status response.
type sessionView struct {
	State       string             `json:"state"`
	Authorized  bool               `json:"authorized"`
	Initialized bool               `json:"initialized"`
	Loading     bool               `json:"loading"`
	Profile     *api.UserProfile   `json:"profile,omitempty"`
	Token       *session.TokenInfo `json:"token,omitempty"`
}

type statusResponse struct {
	Version string      `json:"version"`
	Uptime  string      `json:"uptime"`
	Session sessionView `json:"session"`
	Feed    feed.Status `json:"feed"`
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Session: h.sessionView(),
		Feed:    h.subscriber.Status(),
	})
}

func (h *Handler) sessionView(snapshots ...session.Snapshot) sessionView {
	var snap session.Snapshot
	if len(snapshots) > 0 {
		snap = snapshots[0]
	} else {
		snap = h.resolver.Snapshot()
	}
	view := sessionView{
		State:       snap.State.String(),
		Authorized:  snap.Authorized,
		Initialized: snap.Initialized,
		Loading:     snap.Loading,
		Profile:     snap.Profile,
	}
	if tok, ok := h.store.Token(); ok {
		view.Token = session.PeekToken(tok)
	}
	return view
}

func (h *Handler) serveLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	entries := h.logs.Recent(n)
	if entries == nil {
		entries = []LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) serveFeedSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.feedState.Snapshot())
}

// serveFeedStream sends feed updates as Server-Sent Events. The current
// snapshot is sent first so consumers start from a complete picture.
func (h *Handler) serveFeedStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	h.logger.Info("Feed SSE stream started", "remote", r.RemoteAddr)

	id, updates := h.feedState.AddListener()
	defer h.feedState.RemoveListener(id)

	writeSSE(w, h.feedState.Snapshot())
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("Feed SSE stream closed", "remote", r.RemoteAddr)
			return

		case snap, ok := <-updates:
			if !ok {
				return
			}
			writeSSE(w, snap)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) serveLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	snap, err := h.resolver.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, api.ErrLoginRejected) || api.IsUnauthorized(err) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(snap))
}

func (h *Handler) serveLogout(w http.ResponseWriter, r *http.Request) {
	h.resolver.Logout()
	writeJSON(w, http.StatusOK, h.sessionView())
}

func (h *Handler) serveRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.resolver.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrRefreshThrottled) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionView(snap))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
