// Package cli assembles the parahub command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parahub/parahub/internal/app"
	"github.com/parahub/parahub/internal/navigation"
	"github.com/parahub/parahub/internal/platform/db"
	"github.com/parahub/parahub/internal/rbac"
	"github.com/parahub/parahub/internal/users"
)

// Options carries what every subcommand needs.
type Options struct {
	Config *app.Config
	Logger *slog.Logger
	Serve  func(ctx context.Context) error
}

// ExitError reports a non-zero exit code without an error message.
type ExitError struct{ Code int }

func (e ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// NewRootCommand builds the parahub command. Without a subcommand it serves
// HTTP.
func NewRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "parahub",
		Short:         "ParaHub access, profile and navigation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Serve(cmd.Context())
		},
	})
	root.AddCommand(newJobsCommand(opts), newAccessCommand(opts), newNavCommand(opts), newDBCommand(opts))
	return root
}

func newJobsCommand(opts Options) *cobra.Command {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "trigger <seed_presets|assignments_expire>",
		Short: "Enqueue a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewJobsCLI(opts.Config.RedisAddr)
			defer c.Close()
			info, err := c.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewJobsCLI(opts.Config.RedisAddr)
			defer c.Close()
			stats, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	})
	return jobsCmd
}

func newAccessCommand(opts Options) *cobra.Command {
	accessCmd := &cobra.Command{Use: "access", Short: "Inspect and seed roles and permissions"}

	var (
		userID     int64
		scopeType  string
		scopeID    string
		jsonOutput bool
	)
	effectiveCmd := &cobra.Command{
		Use:   "effective",
		Short: "Resolve the effective permissions of a user at a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := db.New(ctx, opts.Config.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := rbac.NewRepository(pool)
			cacheOpts := rbac.CacheOptions{Logger: opts.Logger}
			registry := rbac.NewRegistry(repo, cacheOpts)
			catalog := rbac.NewCatalog(repo, registry, cacheOpts)
			resolver := rbac.NewResolver(registry, catalog, repo, repo, rbac.WithResolverLogger(opts.Logger))
			usersService := users.NewService(users.NewRepository(pool))

			code := NewAccessCLI(resolver, usersService).EffectiveCommand(ctx, EffectiveOptions{
				UserID:     userID,
				ScopeType:  scopeType,
				ScopeID:    scopeID,
				JSONOutput: jsonOutput,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			if code != 0 {
				return ExitError{Code: code}
			}
			return nil
		},
	}
	effectiveCmd.Flags().Int64Var(&userID, "user", 0, "User id")
	effectiveCmd.Flags().StringVar(&scopeType, "scope-type", "", "Scope type: global, area, project")
	effectiveCmd.Flags().StringVar(&scopeID, "scope-id", "", "Scope id for area or project")
	effectiveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Reconcile default permissions and roles now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := db.New(ctx, opts.Config.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			repo := rbac.NewRepository(pool)
			cacheOpts := rbac.CacheOptions{Logger: opts.Logger}
			registry := rbac.NewRegistry(repo, cacheOpts)
			result, err := rbac.NewCatalog(repo, registry, cacheOpts).SeedPresets(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		},
	}

	accessCmd.AddCommand(effectiveCmd, seedCmd)
	return accessCmd
}

func newNavCommand(opts Options) *cobra.Command {
	navCmd := &cobra.Command{Use: "nav", Short: "Maintain stored sidebar layouts"}

	withNav := func(cmd *cobra.Command, fn func(*NavCLI) error) error {
		pool, err := db.New(cmd.Context(), opts.Config.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(NewNavCLI(navigation.NewAdmin(navigation.NewRepository(pool))))
	}

	var (
		importTarget LayoutTarget
		file         string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Overwrite a user or the global layout from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withNav(cmd, func(c *NavCLI) error {
				return c.Import(cmd.Context(), importTarget, in, cmd.OutOrStdout())
			})
		},
	}
	importCmd.Flags().Int64Var(&importTarget.UserID, "user", 0, "User id")
	importCmd.Flags().BoolVar(&importTarget.Global, "global", false, "Target the global layout")
	importCmd.Flags().StringVar(&file, "file", "-", "Layout JSON file, - for stdin")

	var resetTarget LayoutTarget
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop a user layout or clear the global overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNav(cmd, func(c *NavCLI) error {
				return c.Reset(cmd.Context(), resetTarget, cmd.OutOrStdout())
			})
		},
	}
	resetCmd.Flags().Int64Var(&resetTarget.UserID, "user", 0, "User id")
	resetCmd.Flags().BoolVar(&resetTarget.Global, "global", false, "Target the global layout")

	navCmd.AddCommand(importCmd, resetCmd)
	return navCmd
}

func newDBCommand(opts Options) *cobra.Command {
	dbCmd := &cobra.Command{Use: "db", Short: "Database maintenance"}
	dbCmd.AddCommand(&cobra.Command{
		Use:   "bootstrap",
		Short: "Apply the idempotent schema under the bootstrap advisory lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := db.New(ctx, opts.Config.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := db.Bootstrap(ctx, pool, opts.Logger)
			if err != nil {
				return err
			}
			if !applied {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "bootstrap skipped: lock held by another process")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	})
	return dbCmd
}
