// Package app wires storage, ceremonies, tokens, and the HTTP boundary into
// a runnable auth server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/latchkey/latchkey/internal/api/httpapi"
	"github.com/latchkey/latchkey/internal/ceremony"
	"github.com/latchkey/latchkey/internal/challenge"
	"github.com/latchkey/latchkey/internal/platform/config"
	"github.com/latchkey/latchkey/internal/storage"
	"github.com/latchkey/latchkey/internal/storage/memory"
	"github.com/latchkey/latchkey/internal/storage/sqlite"
	"github.com/latchkey/latchkey/internal/token"
)

// Config holds server process configuration.
type Config struct {
	HTTPAddr      string        `env:"LATCHKEY_HTTP_ADDR"                envDefault:":8080"`
	Store         string        `env:"LATCHKEY_STORE"                    envDefault:"sqlite"`
	DBPath        string        `env:"LATCHKEY_DB_PATH"                  envDefault:"data/latchkey.db"`
	SweepInterval time.Duration `env:"LATCHKEY_CHALLENGE_SWEEP_INTERVAL" envDefault:"5m"`
}

// LoadConfigFromEnv reads server configuration.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Server hosts the auth HTTP service.
type Server struct {
	listener      net.Listener
	httpServer    *http.Server
	storeCloser   io.Closer
	registry      *challenge.Registry
	sweepInterval time.Duration
}

// New creates a configured auth server listening on cfg.HTTPAddr.
func New(cfg Config) (*Server, error) {
	logger := slog.Default()

	users, credentials, challenges, closer, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	closeOnErr := func() {
		if closer != nil {
			_ = closer.Close()
		}
	}

	ceremonyCfg := ceremony.LoadConfigFromEnv()
	registry := challenge.NewRegistry(challenges, ceremonyCfg.ChallengeTTL)
	engine, err := ceremony.NewEngine(ceremonyCfg, users, credentials, registry, logger)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	tokenCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		closeOnErr()
		return nil, err
	}
	tokens, err := token.NewManager(tokenCfg)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	api, err := httpapi.NewServer(engine, tokens, logger)
	if err != nil {
		closeOnErr()
		return nil, err
	}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		closeOnErr()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	return &Server{
		listener:      listener,
		httpServer:    &http.Server{Handler: mux},
		storeCloser:   closer,
		registry:      registry,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startSweep(serverCtx)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startSweep periodically evicts expired challenges so abandoned ceremonies
// do not accumulate.
func (s *Server) startSweep(ctx context.Context) {
	if s.registry == nil || s.sweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.registry.Sweep(ctx); err != nil && ctx.Err() == nil {
					log.Printf("sweep challenges: %v", err)
				}
			}
		}
	}()
}

func openStores(cfg Config) (storage.UserStore, storage.CredentialStore, storage.ChallengeStore, io.Closer, error) {
	switch cfg.Store {
	case "memory":
		store := memory.New()
		return store, store, store, nil, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store, store, store, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store)
	}
}

func (s *Server) closeStore() {
	if s == nil || s.storeCloser == nil {
		return
	}
	if err := s.storeCloser.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}
