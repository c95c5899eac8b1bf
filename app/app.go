// Package app wires the daemon together: configuration, credential store,
// session resolver, live feed and the local HTTP surface, with lifecycle
// managed by fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"github.com/forexecho/echo-core/api"
	"github.com/forexecho/echo-core/feed"
	"github.com/forexecho/echo-core/notify"
	"github.com/forexecho/echo-core/ops"
	"github.com/forexecho/echo-core/session"
	"github.com/forexecho/echo-core/web"
)

// Config holds the application configuration, read from the environment.
type Config struct {
	APIURL           string
	WSURL            string
	HTTPAddr         string
	DataDir          string
	EncryptionSecret string

	TelegramBotToken string
	TelegramChatID   int64

	Version string
}

const (
	DefaultAPIURL   = "http://127.0.0.1:8000/api"
	DefaultWSURL    = "ws://127.0.0.1:8000"
	DefaultHTTPAddr = "127.0.0.1:8787"

	credentialDBFile = "credentials.db"
)

// LoadConfig reads configuration from the environment, loading a .env file
// from the working directory first if one exists.
func LoadConfig(version string, logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded configuration from .env file")
	}

	cfg := &Config{
		APIURL:           os.Getenv("ECHO_API_URL"),
		WSURL:            os.Getenv("ECHO_WS_URL"),
		HTTPAddr:         os.Getenv("ECHO_HTTP_ADDR"),
		DataDir:          os.Getenv("ECHO_DATA_DIR"),
		EncryptionSecret: os.Getenv("ECHO_ENCRYPTION_SECRET"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		Version:          version,
	}

	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".echo-core")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.EncryptionSecret == "" {
		logger.Warn("ECHO_ENCRYPTION_SECRET not set, credentials stored in the clear")
	}

	return cfg, nil
}

// App is the assembled daemon.
type App struct {
	fxApp *fx.App
}

// New builds the application container. Run starts it.
func New(cfg *Config, logger *slog.Logger, logs *ops.LogBuffer) *App {
	fxApp := fx.New(
		fx.Supply(cfg, logs, logger),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			newDB,
			newStore,
			newAPIClient,
			newResolver,
			feed.NewState,
			newSubscriber,
			newNotifier,
			newOpsHandler,
		),
		fx.Invoke(register),
	)
	return &App{fxApp: fxApp}
}

// Run starts the daemon and blocks until a shutdown signal.
func (a *App) Run() error {
	a.fxApp.Run()
	return a.fxApp.Err()
}

func newDB(cfg *Config) (*session.DB, error) {
	return session.OpenDB(filepath.Join(cfg.DataDir, credentialDBFile), cfg.EncryptionSecret)
}

func newStore(db *session.DB, logger *slog.Logger) (*session.Store, error) {
	return session.NewStore(db, logger)
}

func newAPIClient(cfg *Config, store *session.Store, logger *slog.Logger) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:     cfg.APIURL,
		Credentials: store,
		Logger:      logger,
	})
}

func newResolver(store *session.Store, client *api.Client, logger *slog.Logger) *session.Resolver {
	return session.NewResolver(store, client, logger)
}

func newSubscriber(cfg *Config, store *session.Store, state *feed.State, logger *slog.Logger) (*feed.Subscriber, error) {
	return feed.NewSubscriber(feed.Config{
		URL:    cfg.WSURL,
		Token:  store.Token,
		Logger: logger,
	}, state)
}

func newNotifier(cfg *Config, logger *slog.Logger) (*notify.Notifier, error) {
	return notify.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logger)
}

func newOpsHandler(cfg *Config, resolver *session.Resolver, store *session.Store, state *feed.State, sub *feed.Subscriber, logs *ops.LogBuffer, logger *slog.Logger) (*ops.Handler, error) {
	return ops.NewHandler(cfg.Version, resolver, store, state, sub, logs, logger)
}

// register connects the components and binds their lifetimes to the fx
// lifecycle.
func register(
	lc fx.Lifecycle,
	cfg *Config,
	db *session.DB,
	store *session.Store,
	client *api.Client,
	resolver *session.Resolver,
	state *feed.State,
	sub *feed.Subscriber,
	notifier *notify.Notifier,
	handler *ops.Handler,
	logger *slog.Logger,
) {
	// A 401 from any endpoint clears the stored credentials; the store's
	// change callback then drives the resolver to unauthorized. Cleared in
	// the background so the HTTP response path never blocks on it.
	client.SetUnauthorizedHook(func() {
		go store.Clear()
	})

	// The feed follows the session: connect while authorized, tear down and
	// drop stale data otherwise.
	resolver.OnTransition(func(from, to session.State) {
		switch to {
		case session.StateAuthorized:
			if err := sub.Start(); err != nil && !errors.Is(err, feed.ErrAlreadyRunning) {
				logger.Error("Failed to start live feed", "error", err)
			}
			if snap := resolver.Snapshot(); snap.Profile != nil {
				notifier.SessionRestored(snap.Profile.Email)
			}
		case session.StateUnauthorized:
			sub.Stop()
			state.Reset()
			if from == session.StateAuthorized {
				notifier.SessionLost("session deauthorized by backend")
			}
		}
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	limiter := web.NewRateLimiter(rate.Limit(20), 40)
	srv := &http.Server{
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 30 * time.Second,
	}

	staleDone := make(chan struct{})
	staleStop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Watch(); err != nil {
				return fmt.Errorf("watch credential store: %w", err)
			}

			// Resolve synchronously so the surface never serves an
			// uninitialized session after startup.
			snap := resolver.Resolve(ctx)
			logger.Info("Initial session resolution complete", "state", snap.State.String())

			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
			}
			logger.Info("Consumer surface listening", "addr", cfg.HTTPAddr)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server error", "error", err)
				}
			}()

			go staleMonitor(sub, notifier, logger, staleStop, staleDone)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(staleStop)
			<-staleDone

			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("HTTP server shutdown error", "error", err)
			}
			sub.Stop()
			store.Close()
			if err := db.Close(); err != nil {
				logger.Error("Credential database close error", "error", err)
			}
			logger.Info("Shutdown complete")
			return nil
		},
	})
}

// staleMonitor raises a notification when the feed connection goes quiet,
// once per stale episode.
func staleMonitor(sub *feed.Subscriber, notifier *notify.Notifier, logger *slog.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	notified := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := sub.Status()
			if st.Stale && !notified {
				silence := time.Since(st.LastMessageAt)
				logger.Warn("Live feed is stale", "silence", silence)
				notifier.FeedStale(silence)
				notified = true
			}
			if !st.Stale {
				notified = false
			}
		}
	}
}
