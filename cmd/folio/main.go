package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/folio/internal/api"
	"github.com/vonshlovens/folio/internal/config"
	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/logging"
	"github.com/vonshlovens/folio/internal/mirror"
	"github.com/vonshlovens/folio/internal/sync"
	"github.com/vonshlovens/folio/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	owner   string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "folio",
		Short:   "Mirror a writing library to Markdown files and back",
		Long:    `Keeps a PostgreSQL-backed library of notes in two-way sync with a directory of Markdown files with YAML frontmatter.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		pushCmd(),
		pullCmd(),
		syncCmd(),
		watchCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// services holds everything a command needs to talk to both sides
type services struct {
	cfg     *config.Config
	db      *db.DB
	index   *mirror.Index
	files   *mirror.FileStore
	engine  *sync.Engine
	closers []io.Closer
}

// loadConfig reads the config and switches to the configured logger
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.Setup(cfg.Log, verbose), nil
}

func openServices(ctx context.Context, progress bool) (*services, error) {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &services{cfg: cfg, closers: []io.Closer{logCloser}}

	rt.db, err = db.New(ctx, &cfg.Database)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	indexPath, err := cfg.ResolveIndexPath()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.index, err = mirror.OpenIndex(indexPath)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.files, err = mirror.NewFileStore(cfg.MirrorPath, rt.index, cfg.IgnorePatterns)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine = sync.NewEngine(rt.db, rt.files, sync.Options{
		PageSize:          cfg.Sync.PageSize,
		MaxFilenameLength: cfg.Sync.MaxFilenameLength,
		Progress:          progress,
	})
	return rt, nil
}

func (rt *services) Close() {
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			slog.Warn("failed to close index", "error", err)
		}
	}
	if rt.db != nil {
		rt.db.Close()
	}
	for _, c := range rt.closers {
		c.Close()
	}
}

func (rt *services) newHooks() *sync.Hooks {
	return sync.NewHooks(rt.engine,
		time.Duration(rt.cfg.Sync.HookTimeoutMs)*time.Millisecond,
		rt.cfg.Sync.RetryAttempts)
}

func requireOwner() error {
	if err := sync.ValidateOwner(owner); err != nil {
		return fmt.Errorf("--owner: %w", err)
	}
	return nil
}

func addOwnerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "library owner to operate on")
	cmd.MarkFlagRequired("owner")
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and mirror every change",
		Long:  `Starts the HTTP API. Every committed note change is written to the mirror in the background; failed owners are retried with a full sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := openServices(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.Server.Token == "" {
				return errors.New("server.token must be set to serve the API")
			}
			if err := rt.db.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			hooks := rt.newHooks()
			srv := api.New(rt.cfg.Server.Token, rt.db, rt.engine, hooks)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Listen(rt.cfg.Server.Addr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("server started", "addr", rt.cfg.Server.Addr, "mirror", rt.cfg.MirrorPath)

			retryTicker := time.NewTicker(time.Duration(rt.cfg.Sync.RetryIntervalSec) * time.Second)
			defer retryTicker.Stop()

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
					if err := srv.Shutdown(shutdownCtx); err != nil {
						slog.Warn("api shutdown failed", "error", err)
					}
					done()
					hooks.Wait()
					return nil

				case err := <-errCh:
					hooks.Wait()
					return fmt.Errorf("api server stopped: %w", err)

				case <-retryTicker.C:
					hooks.RetryFailed(ctx)
				}
			}
		},
	}
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Write every active note to the mirror",
		Long:  `Writes every active note of the owner to its canonical file and deletes any other Markdown file under the owner's directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ctx := context.Background()

			rt, err := openServices(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine.Push(ctx, owner)
			if err != nil {
				return fmt.Errorf("push failed: %w", err)
			}

			fmt.Printf("Push completed: %d written, %d deleted.\n", res.Pushed, res.Deleted)
			return nil
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

func pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Import mirror files into the library",
		Long:  `Reads every Markdown file under the owner's directory and updates or creates the matching notes. Nothing in the mirror is changed except for newly adopted files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ctx := context.Background()

			rt, err := openServices(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine.Pull(ctx, owner)
			if err != nil {
				return fmt.Errorf("pull failed: %w", err)
			}

			fmt.Printf("Pull completed: %d updated, %d created.\n", res.Pulled, res.Created)
			return nil
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Two-way sync, then exit",
		Long:  `Reconciles the library and the mirror; for each note the side modified last wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ctx := context.Background()

			rt, err := openServices(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if n, err := rt.files.Prune(owner + "/"); err != nil {
				slog.Warn("failed to prune index", "error", err)
			} else if n > 0 {
				slog.Info("pruned stale index records", "count", n)
			}

			res, err := rt.engine.Sync(ctx, owner)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Printf("Sync completed: %d pushed, %d pulled, %d created, %d deleted.\n",
				res.Pushed, res.Pulled, res.Created, res.Deleted)
			return nil
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever the owner's mirror directory changes",
		Long:  `Runs a full sync, then watches the owner's mirror directory and syncs again after each burst of file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := openServices(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			slog.Info("performing initial sync")
			if _, err := rt.engine.Sync(ctx, owner); err != nil {
				slog.Error("initial sync failed", "error", err)
			}

			w, err := watcher.New(filepath.Join(rt.cfg.MirrorPath, owner), rt.cfg.Sync.DebounceMs, rt.cfg.IgnorePatterns)
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			fmt.Println("Watching mirror for changes. Press Ctrl+C to stop.")

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					return w.Stop()

				case batch := <-w.Batches():
					slog.Debug("mirror changed", "changes", len(batch), "paths", batch.Paths())
					res, err := rt.engine.Sync(ctx, owner)
					if err != nil {
						slog.Error("sync failed", "error", err)
						continue
					}
					if res.Pushed+res.Pulled+res.Created+res.Deleted > 0 {
						slog.Info("mirror synced",
							"pushed", res.Pushed,
							"pulled", res.Pulled,
							"created", res.Created,
							"deleted", res.Deleted)
					}
				}
			}
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status and library counts",
		Long:  `Shows the database connection status, the owner's library counts and the number of files in the mirror.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			ctx := context.Background()

			rt, err := openServices(ctx, false)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer rt.Close()

			status, err := rt.db.GetStatus(ctx, owner)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			objects, err := mirror.ListAll(ctx, rt.files, owner+"/", rt.cfg.Sync.PageSize)
			if err != nil {
				return fmt.Errorf("failed to list mirror: %w", err)
			}

			fmt.Println("=== Folio Status ===")
			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", rt.cfg.Database.Host)
			fmt.Printf("  Database: %s\n", rt.cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", rt.cfg.Database.Schema)
			fmt.Println()
			fmt.Printf("Library of %s:\n", owner)
			fmt.Printf("  Groups: %d\n", status.Groups)
			fmt.Printf("  Notes: %d (%d favorites)\n", status.Notes, status.Favorites)
			fmt.Printf("  Trashed: %d\n", status.Trashed)
			fmt.Printf("  Tags: %d\n", status.Tags)
			if status.LastModified != nil {
				fmt.Printf("  Last Modified: %s\n", time.UnixMilli(*status.LastModified).Format(time.RFC3339))
			}
			fmt.Println()
			fmt.Printf("Mirror Path: %s\n", filepath.Join(rt.cfg.MirrorPath, owner))
			fmt.Printf("  Files: %d\n", len(objects))

			return nil
		},
	}
	addOwnerFlag(cmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Applies all pending embedded migrations, or lists their state with --status.`,
	}

	showStatus := false
	cmd.Flags().BoolVar(&showStatus, "status", false, "print migration status instead of migrating")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, logCloser, err := loadConfig()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if showStatus {
			return database.MigrationStatus(ctx)
		}
		if err := database.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			ask := func(prompt, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", prompt, def)
				} else {
					fmt.Printf("%s: ", prompt)
				}
				answer, _ := reader.ReadString('\n')
				answer = strings.TrimSpace(answer)
				if answer == "" {
					return def
				}
				return answer
			}

			fmt.Println("=== Folio Setup ===")
			fmt.Println()

			mirrorPath := ask("Mirror directory", "")
			if mirrorPath == "" {
				return errors.New("mirror directory is required")
			}

			fmt.Println("\nDatabase Configuration:")
			host := ask("  Host", "localhost")
			port := ask("  Port", "5432")
			user := ask("  User", "")
			dbName := ask("  Database name", "")
			if dbName == "" {
				return errors.New("database name is required")
			}
			schema := ask("  Schema name", config.SanitizeIdentifier("folio_"+filepath.Base(mirrorPath)))
			sslMode := ask("  SSL mode", "require")
			addr := ask("\nAPI listen address", ":8080")

			configContent := fmt.Sprintf(`mirror_path: "%s"

database:
  host: "%s"
  port: %s
  user: "%s"
  password: "${DB_PASSWORD}"  # Set DB_PASSWORD environment variable
  database: "%s"
  schema: "%s"
  sslmode: "%s"

server:
  addr: "%s"
  token: "${FOLIO_API_TOKEN}"  # Set FOLIO_API_TOKEN environment variable

sync:
  page_size: 500
  hook_timeout_ms: 15000
  debounce_ms: 2000
  retry_attempts: 3
  retry_interval_sec: 60

log:
  level: info
  # file: "~/.local/state/folio/folio.log"

ignore_patterns:
  - ".obsidian/**"
  - ".trash/**"
  - ".git/**"
  - "**/.DS_Store"
`, mirrorPath, host, port, user, dbName, schema, sslMode, addr)

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Println("\nIMPORTANT: Set DB_PASSWORD and FOLIO_API_TOKEN in the environment.")
			fmt.Println("\nTo run migrations, run: folio migrate")
			fmt.Println("To start the API, run: folio serve")
			fmt.Println("To sync a library once, run: folio sync --owner <owner>")

			return nil
		},
	}
}
