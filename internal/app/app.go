// Package app assembles the service from a config.Config: storage, the
// communication hub, stage handlers, notifications and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"underwriter/internal/analyst"
	"underwriter/internal/config"
	"underwriter/internal/db"
	"underwriter/internal/domain"
	"underwriter/internal/engine"
	"underwriter/internal/events"
	"underwriter/internal/hub"
	"underwriter/internal/kv"
	"underwriter/internal/logging"
	"underwriter/internal/migrate"
	"underwriter/internal/notify"
	"underwriter/internal/registry"
	"underwriter/internal/repo"
	"underwriter/internal/server"
	"underwriter/internal/transport"
)

// Options override pieces of the assembly, mostly for tests.
type Options struct {
	Logger    *logging.Logger
	Completer analyst.Completer
	Policies  analyst.PolicySource
	// Registry replaces the analyst handlers entirely.
	Registry *registry.Registry
}

// App is a fully wired service instance.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Store     kv.Store
	Redis     *redis.Client
	Transport transport.Transport
	Hub       *hub.Hub
	Registry  *registry.Registry
	Broker    *notify.Broker
	Engine    *engine.Engine

	ownsLogger bool
}

// New opens storage and builds every component. The SQLite workspace is
// always opened because it holds the audit trail; run state and the roster
// cache go to Redis when store.driver is redis.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a = &App{Config: cfg, Logger: opts.Logger}
	defer func() {
		if err != nil {
			a.closeStorage()
		}
	}()

	if a.Logger == nil {
		a.Logger, err = logging.New(cfg.Logging.Dir, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		a.ownsLogger = true
	}

	a.DB, err = db.Open(db.Config{Workspace: cfg.Store.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, a.DB)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		a.Logger.Info("migrations applied", "versions", applied)
	}
	a.Repo = repo.Repo{DB: a.DB}

	switch cfg.Store.Driver {
	case "redis":
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err = a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		a.Store = kv.NewRedis(a.Redis, cfg.Service.Name)
		a.Transport = transport.NewRedis(a.Redis, cfg.Service.Name, a.Logger.WithComponent("transport"))
	default:
		a.Store = a.Repo
		a.Transport = transport.NewLocal(a.Logger.WithComponent("transport"))
	}

	a.Hub = hub.New(hub.Config{Store: a.Store, Transport: a.Transport, Logger: a.Logger},
		hub.WithParticipantTTL(cfg.Hub.ParticipantTTL),
		hub.WithMaxQueue(cfg.Hub.MaxQueue),
		hub.WithRequestTimeout(cfg.Hub.DefaultRequestTimeout),
	)
	if err = a.registerRoster(ctx); err != nil {
		return nil, err
	}

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = registry.New()
		completer := opts.Completer
		if completer == nil {
			completer = analyst.NewOpenAICompleter(cfg.Completion.URL, cfg.Completion.Model, cfg.Completion.APIKey, cfg.Completion.Timeout)
		}
		analyst.Register(a.Registry, completer, opts.Policies)
	}

	a.Broker = notify.NewBroker(0, a.Logger.WithComponent("notify"))
	notifier := notify.Notifier{Broker: a.Broker}
	if cfg.Callback.URL != "" {
		notifier.Callback = notify.NewCallback(notify.CallbackConfig{
			URL:        cfg.Callback.URL,
			Secret:     cfg.Callback.Secret,
			SigningKey: cfg.Callback.SigningKey,
			Timeout:    cfg.Callback.Timeout,
		}, a.Logger.WithComponent("callback"))
	}

	a.Engine, err = engine.New(engine.Options{
		Runs:         kv.RunStore{Store: a.Store, TTL: cfg.Store.StateTTL},
		Registry:     a.Registry,
		Hub:          a.Hub,
		Notifier:     notifier,
		Audit:        events.Writer{DB: a.DB},
		Stages:       Stages(cfg),
		StageTimeout: cfg.Pipeline.StageTimeout,
		Logger:       a.Logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Stages converts the configured pipeline into engine stages.
func Stages(cfg *config.Config) []engine.Stage {
	out := make([]engine.Stage, 0, len(cfg.Pipeline.Stages))
	for _, st := range cfg.Pipeline.Stages {
		out = append(out, engine.Stage{ID: st.ID, Weight: st.Weight, Participant: st.ParticipantID()})
	}
	return out
}

// registerRoster registers the static roster plus any stage participant the
// roster leaves out, so every stage has someone to mark busy.
func (a *App) registerRoster(ctx context.Context) error {
	seen := map[string]bool{}
	for _, p := range a.Config.Hub.Roster {
		seen[p.ID] = true
		if _, err := a.Hub.Register(ctx, domain.Participant{
			ID:           p.ID,
			DisplayName:  p.DisplayName,
			Capabilities: p.Capabilities,
		}); err != nil {
			return fmt.Errorf("register participant %s: %w", p.ID, err)
		}
	}
	for _, st := range a.Config.Pipeline.Stages {
		id := st.ParticipantID()
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := a.Hub.Register(ctx, domain.Participant{ID: id, Capabilities: []string{st.ID}}); err != nil {
			return fmt.Errorf("register participant %s: %w", id, err)
		}
	}
	return nil
}

// Handler builds the HTTP API over this app.
func (a *App) Handler(version string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Hub:      a.Hub,
		Broker:   a.Broker,
		Audit:    a.Repo,
		BasePath: a.Config.Service.BasePath,
		Version:  version,
		Logger:   a.Logger,
	})
}

// Close stops active runs, waiting for them until ctx ends, then releases
// the hub and storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	var errs []error
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close())
	}
	if a.Transport != nil {
		errs = append(errs, a.Transport.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.ownsLogger {
		errs = append(errs, a.Logger.Close())
	}
	return errors.Join(errs...)
}
