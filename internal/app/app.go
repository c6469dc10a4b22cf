// Package app wires configuration, storage, actors, transport and the HTTP
// server into one runnable unit.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"talkd/internal/retention"
	"talkd/pkg/actor"
	"talkd/pkg/catchup"
	"talkd/pkg/config"
	"talkd/pkg/store"
	"talkd/pkg/telemetry"
	"talkd/pkg/transport"
	"talkd/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.Effective
	version   string
	commit    string
	buildDate string

	registry *actor.Registry
	hub      *transport.Hub
	ret      *retention.Runner

	srv *http.Server
}

// New initializes everything that does not need a running context: config
// validation, runtime keys, validation limits, the store and the actor
// registry. Call Run to start the HTTP server and block until shutdown.
func New(eff config.Effective, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	cfg := eff.Config

	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Security.SigningKeys {
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	// backend keys double as signing secrets so a backend service can sign
	// user ids without extra provisioning
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	initValidation(cfg)
	catchup.Configure(cfg.Catchup.DefaultLimit, cfg.Catchup.MaxLimit)
	if d := time.Duration(cfg.Telemetry.SlowThreshold); d > 0 {
		telemetry.SetSlowThreshold(d)
	}

	if err := store.Open(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	reg := actor.NewRegistry(actor.Config{
		Mailbox:          cfg.Actor.Mailbox,
		SubscriberBuffer: cfg.Actor.SubscriberBuffer,
		IdleTTL:          time.Duration(cfg.Actor.IdleTTL),
		SubmitTimeout:    time.Duration(cfg.Actor.AppendTimeout),
	})
	hub := transport.NewHub(reg, transport.Options{
		AuthTimeout: time.Duration(cfg.Transport.AuthTimeout),
		WriteWait:   time.Duration(cfg.Transport.WriteWait),
		PongWait:    time.Duration(cfg.Transport.PongWait),
	})

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		registry:  reg,
		hub:       hub,
	}
	if cfg.Retention.Enabled {
		a.ret = retention.New(cfg.Retention)
	}
	return a, nil
}

// Run starts the retention runner and the HTTP server, and blocks until
// ctx is cancelled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if a.ret != nil {
		a.ret.Start(ctx)
	}

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.srv.Shutdown(sctx)
		cancel()
	}
	a.registry.Close()
	_ = store.Close()
}

func validateConfig(eff config.Effective) error {
	if eff.Config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("db path required")
	}
	c := eff.Config
	if c.Retention.Enabled && c.Retention.Cron == "" {
		return fmt.Errorf("retention enabled but no cron schedule configured")
	}
	if c.Catchup.MaxLimit > 0 && c.Catchup.DefaultLimit > c.Catchup.MaxLimit {
		return fmt.Errorf("catchup default_limit %d exceeds max_limit %d", c.Catchup.DefaultLimit, c.Catchup.MaxLimit)
	}
	return nil
}

// initValidation installs payload limits from config.
func initValidation(cfg *config.Config) {
	l := validation.Limits{
		MaxContentBytes:  int(cfg.Limits.MaxContentBytes),
		MaxMetadataBytes: int(cfg.Limits.MaxMetadataBytes),
		MaxMetadataKeys:  cfg.Limits.MaxMetadataKeys,
	}
	validation.SetLimits(l)
}
