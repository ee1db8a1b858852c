package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"underwriter/internal/app"
	"underwriter/internal/config"
	"underwriter/internal/db"
	"underwriter/internal/migrate"
	"underwriter/internal/repo"
	underwritersdk "underwriter/sdk/go"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "uw",
	Short: "Underwriter CLI",
	Long: `Underwriter runs loan applications through a fixed sequence of analyst stages
(credit, income, asset, collateral, critic, decision) and records the decision.
- Workspace: the .underwriter directory holding the SQLite database and audit trail.
- Config: underwriter.yml in the workspace; 'uw config init' writes the default.
- Runs: one pass of the pipeline over an application, addressed by run id.
- Agents: participants of the communication hub; each stage marks its agent busy.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("UNDERWRITER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default {workspace}/underwriter.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8090", "API server URL for run and agent commands")
	rootCmd.PersistentFlags().String("base-path", "/api", "API base path")
	for _, name := range []string{"workspace", "config", "json", "server", "base-path"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// loadConfig reads the config file, falling back to the default when the
// workspace has none. The store workspace follows --workspace unless the
// file pins it elsewhere.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOrDefault(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.Workspace == "." {
		cfg.Store.Workspace = workspace
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	var purgeEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and run workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Service.Addr = addr
			}
			if viper.IsSet("base-path") {
				cfg.Service.BasePath = viper.GetString("base-path")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(sctx); err != nil {
					a.Logger.Warn("shutdown incomplete", "error", err)
				}
			}()
			handler, err := a.Handler(version)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Service.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				purgeExpired(gctx, a, purgeEvery)
				return nil
			})

			fmt.Printf("Serving Underwriter API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, live updates at /ws/workflows/{run_id})\n",
				cfg.Service.Addr, cfg.Service.BasePath, cfg.Service.BasePath)
			a.Logger.Info("serving", "addr", cfg.Service.Addr, "driver", cfg.Store.Driver, "stages", cfg.StageIDs())
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides service.addr)")
	cmd.Flags().DurationVar(&purgeEvery, "purge-interval", time.Minute, "how often expired state is purged from SQLite")
	cmd.Flags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	_ = viper.BindPFlag("log-level", cmd.Flags().Lookup("log-level"))
	return cmd
}

// purgeExpired deletes expired kv rows until ctx ends.
func purgeExpired(ctx context.Context, a *app.App, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Repo.Purge(ctx)
			if err != nil {
				a.Logger.Warn("purge expired state failed", "error", err)
				continue
			}
			if n > 0 {
				a.Logger.Debug("purged expired state", "rows", n)
			}
		}
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the service config",
		Long:  "Config is underwriter.yml: the stage sequence with weights, the hub roster, storage driver, callback target and completion endpoint.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := redacted(*cfg)
			if viper.GetBool("json") {
				return printJSON(shown)
			}
			out, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func redacted(cfg config.Config) config.Config {
	for _, secret := range []*string{&cfg.Callback.Secret, &cfg.Callback.SigningKey, &cfg.Completion.APIKey, &cfg.Store.RedisPassword} {
		if *secret != "" {
			*secret = "********"
		}
	}
	return cfg
}

func newClient() *underwritersdk.Client {
	c := underwritersdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("base-path")
	return c
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
