// chatrelay bridges a chat widget to an OpenAI-compatible completion
// service through a durable per-session queue. With REDIS_ADDR set it
// runs queue-mediated with cross-process notifications; without it,
// every request is invoked directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaykit/chatrelay/admin"
	"github.com/relaykit/chatrelay/completion"
	"github.com/relaykit/chatrelay/httpapi"
	"github.com/relaykit/chatrelay/inflight"
	"github.com/relaykit/chatrelay/internal/keyfile"
	"github.com/relaykit/chatrelay/internal/logctx"
	"github.com/relaykit/chatrelay/notify"
	memnotify "github.com/relaykit/chatrelay/notify/memory"
	redisnotify "github.com/relaykit/chatrelay/notify/redis"
	"github.com/relaykit/chatrelay/queue"
	redisqueue "github.com/relaykit/chatrelay/queue/redis"
	"github.com/relaykit/chatrelay/relay"
	"github.com/relaykit/chatrelay/session"
)

type config struct {
	// ListenAddr is the HTTP bind address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:5000"`

	// StaticDir serves the chat widget when set. ENV: STATIC_DIR
	StaticDir string `env:"STATIC_DIR"`

	// AdminEnabled mounts the admin websocket. ENV: ADMIN_ENABLED
	AdminEnabled bool `env:"ADMIN_ENABLED,default=true"`

	// RedisAddr enables queue-mediated mode. Empty means direct
	// invocation only. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// APIKeyFile is a key=value config file watched for api_key
	// changes. Overrides COMPLETION_API_KEY when set.
	// ENV: COMPLETION_API_KEY_FILE
	APIKeyFile string `env:"COMPLETION_API_KEY_FILE"`

	// RequeueFailures retries failed dispatches instead of dropping
	// them. ENV: DISPATCH_REQUEUE_FAILURES
	RequeueFailures bool `env:"DISPATCH_REQUEUE_FAILURES,default=false"`

	// MaxAttempts bounds retries when RequeueFailures is set.
	// ENV: DISPATCH_MAX_ATTEMPTS
	MaxAttempts int `env:"DISPATCH_MAX_ATTEMPTS,default=3"`

	// ShutdownTimeout bounds graceful HTTP drain.
	// ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := decodeEnv(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	completionCfg, keySource, err := completionConfig(cfg, logger)
	if err != nil {
		return err
	}
	if keySource != nil {
		defer keySource.Close()
	}

	store := session.NewStore(0)
	guard := inflight.NewGuard()
	invoker := completion.NewInvoker(store, completion.NewClient(completionCfg), logger)

	var (
		q        queue.Queue
		notifier notify.Notifier
	)
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		var qcfg redisqueue.Config
		if err := decodeEnv(&qcfg); err != nil {
			return fmt.Errorf("decode queue config: %w", err)
		}
		qcfg.Client = client
		rq, err := redisqueue.New(qcfg, logger)
		if err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
		defer rq.Close()

		q = rq
		notifier = redisnotify.New(redisnotify.Config{Client: client})
		logger.Info("queue-mediated mode", slog.String("redis_addr", cfg.RedisAddr))
	} else {
		notifier = memnotify.New()
		logger.Info("no broker configured, running in direct mode")
	}

	var bcfg relay.BridgeConfig
	if err := decodeEnv(&bcfg); err != nil {
		return fmt.Errorf("decode bridge config: %w", err)
	}
	bridge := relay.NewBridge(q, notifier, invoker, logger, bcfg)

	dispatchDone := make(chan error, 1)
	if q != nil {
		dispatcher := relay.NewDispatcher(q, guard, invoker, notifier, logger, relay.DispatcherConfig{
			RequeueFailures: cfg.RequeueFailures,
			MaxAttempts:     cfg.MaxAttempts,
		})
		go func() { dispatchDone <- dispatcher.Run(ctx) }()
	} else {
		close(dispatchDone)
	}

	httpCfg := httpapi.Config{
		Bridge:     bridge,
		StaticDir:  cfg.StaticDir,
		LogHandler: logger.Handler(),
	}
	if cfg.AdminEnabled {
		httpCfg.AdminSocket = admin.NewHub(store, logger)
	}
	handler, err := httpapi.New(httpCfg)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	serveDone := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		serveDone <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http drain incomplete", slog.String("err", err.Error()))
	}
	if derr := <-dispatchDone; derr != nil {
		logger.Warn("dispatcher stopped with error", slog.String("err", derr.Error()))
	}
	return nil
}

// decodeEnv populates a config struct from the environment. A fully
// unset environment is fine; a malformed value is not.
func decodeEnv(v any) error {
	if err := envdecode.Decode(v); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}
	return nil
}

// completionConfig builds the downstream client config, wiring the
// hot-reloading key file when one is configured.
func completionConfig(cfg config, logger *slog.Logger) (completion.ClientConfig, *keyfile.Source, error) {
	var ccfg completion.ClientConfig
	if err := decodeEnv(&ccfg); err != nil {
		return completion.ClientConfig{}, nil, fmt.Errorf("decode completion config: %w", err)
	}

	if cfg.APIKeyFile == "" {
		return ccfg, nil, nil
	}
	src, err := keyfile.Open(cfg.APIKeyFile, logger)
	if err != nil {
		return completion.ClientConfig{}, nil, fmt.Errorf("open key file: %w", err)
	}
	ccfg.KeyProvider = src.Key
	return ccfg, src, nil
}
